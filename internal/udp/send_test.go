package udp

import (
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/udpengine/internal/header"
)

func decode(t *testing.T, pkt *OutboundPacket) gopacket.Packet {
	t.Helper()
	first := layers.LayerTypeIPv4
	if pkt.Version == 6 {
		first = layers.LayerTypeIPv6
	}
	p := gopacket.NewPacket(pkt.Data, first, gopacket.Default)
	if err := p.ErrorLayer(); err != nil {
		t.Fatalf("decode: %v", err.Error())
	}
	return p
}

func udpLayer(t *testing.T, p gopacket.Packet) *layers.UDP {
	t.Helper()
	u, ok := p.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		t.Fatal("no UDP layer")
	}
	return u
}

func TestSend_ImplicitBind(t *testing.T) {
	ts := newTestStack(t)
	ep := ts.open(t, FamilyIPv4)

	if err := ep.Send(dest("10.0.0.9:53"), []byte("hello"), nil); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if ep.State() != StateIdle {
		t.Errorf("State() = %v, want IDLE", ep.State())
	}
	port := ep.LocalAddr().Port()
	if port < 40000 || port > 40099 {
		t.Errorf("implicit bind port = %d, want one in [40000, 40099]", port)
	}

	pkt := ts.net.last(t)
	p := decode(t, pkt)
	ip := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ip.DstIP.Equal(net.ParseIP("10.0.0.9")) {
		t.Errorf("DstIP = %s, want 10.0.0.9", ip.DstIP)
	}
	if ip.TTL != 255 {
		t.Errorf("TTL = %d, want 255", ip.TTL)
	}
	if ip.Protocol != layers.IPProtocolUDP {
		t.Errorf("Protocol = %v, want UDP", ip.Protocol)
	}
	u := udpLayer(t, p)
	if uint16(u.SrcPort) != port || u.DstPort != 53 {
		t.Errorf("ports = %d -> %d, want %d -> 53", u.SrcPort, u.DstPort, port)
	}
	if string(u.Payload) != "hello" {
		t.Errorf("payload = %q, want %q", u.Payload, "hello")
	}
	if !header.VerifyUDPChecksum(pkt.Src, pkt.Dst, pkt.Data[header.IPv4MinimumSize:]) {
		t.Error("UDP checksum does not verify")
	}
	if got := testutil.ToFloat64(ts.metrics.DatagramsOut.WithLabelValues("4")); got != 1 {
		t.Errorf("DatagramsOut[4] = %v, want 1", got)
	}
}

func TestSend_StateErrors(t *testing.T) {
	ts := newTestStack(t)
	ep := ts.open(t, FamilyIPv4)
	mustBind(t, ep, "10.0.0.1", 5000)

	if err := ep.Send(nil, []byte("x"), nil); !errors.Is(err, ErrDestinationRequired) {
		t.Errorf("Send(nil) while idle error = %v, want ErrDestinationRequired", err)
	}

	if err := ep.Connect(Destination{Addr: netip.MustParseAddr("10.0.0.9"), Port: 53}); err != nil {
		t.Fatal(err)
	}
	if err := ep.Send(dest("10.0.0.8:53"), []byte("x"), nil); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("Send(dst) while connected error = %v, want ErrAlreadyConnected", err)
	}
	if err := ep.Send(nil, []byte("x"), nil); err != nil {
		t.Errorf("Send(nil) while connected error = %v", err)
	}
	if got := ts.net.last(t).Dst; got != netip.MustParseAddr("10.0.0.9") {
		t.Errorf("packet Dst = %s, want 10.0.0.9", got)
	}

	v4 := ts.open(t, FamilyIPv4)
	if err := v4.Send(dest("[2001:db8::9]:53"), []byte("x"), nil); !errors.Is(err, ErrAddressFamily) {
		t.Errorf("Send(IPv6 dst) on inet error = %v, want ErrAddressFamily", err)
	}

	v6 := ts.open(t, FamilyIPv6)
	mustBind(t, v6, "2001:db8::1", 0)
	if err := v6.Send(dest("10.0.0.9:53"), []byte("x"), nil); !errors.Is(err, ErrAddressNotAvailable) {
		t.Errorf("Send(IPv4 dst) from IPv6 source error = %v, want ErrAddressNotAvailable", err)
	}
}

func TestSend_MaximumSize(t *testing.T) {
	tests := []struct {
		name    string
		family  Family
		dst     string
		payload int
		wantErr bool
	}{
		{"ipv4 largest", FamilyIPv4, "10.0.0.9:53", 65507, false},
		{"ipv4 too large", FamilyIPv4, "10.0.0.9:53", 65508, true},
		{"ipv6 largest", FamilyIPv6, "[2001:db8::9]:53", 65527, false},
		{"ipv6 too large", FamilyIPv6, "[2001:db8::9]:53", 65528, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestStack(t)
			ep := ts.open(t, tt.family)
			err := ep.Send(dest(tt.dst), make([]byte, tt.payload), nil)
			if tt.wantErr {
				if !errors.Is(err, ErrMessageTooLong) {
					t.Errorf("Send() error = %v, want ErrMessageTooLong", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			if got := len(ts.net.last(t).Data); got != header.MaxPacketSize && tt.family == FamilyIPv4 {
				t.Errorf("datagram length = %d, want %d", got, header.MaxPacketSize)
			}
		})
	}
}

func TestSend_NetworkErrorsNeedErrorIndication(t *testing.T) {
	ts := newTestStack(t)
	ts.net.writeErr = errors.New("no route to host")
	ep := ts.open(t, FamilyIPv4)
	mustBind(t, ep, "10.0.0.1", 5000)

	if err := ep.Send(dest("10.0.0.9:53"), []byte("x"), nil); err != nil {
		t.Errorf("Send() without error indication error = %v, want nil", err)
	}

	if err := ep.Connect(Destination{Addr: netip.MustParseAddr("10.0.0.9"), Port: 53}); err != nil {
		t.Fatal(err)
	}
	if err := ep.Send(nil, []byte("x"), nil); err == nil {
		t.Error("Send() with error indication returned nil, want the write error")
	}
	if got := testutil.ToFloat64(ts.metrics.OutErrors.WithLabelValues("other")); got != 2 {
		t.Errorf("OutErrors[other] = %v, want 2", got)
	}
}

func TestSend_IPv4Options(t *testing.T) {
	ts := newTestStack(t)
	ep := ts.open(t, FamilyIPv4)
	mustBind(t, ep, "10.0.0.1", 5000)
	if err := ep.SetSockOptInt(OptTTL, 7); err != nil {
		t.Fatal(err)
	}
	if err := ep.SetSockOptInt(OptTOS, 0x10); err != nil {
		t.Fatal(err)
	}

	if err := ep.Send(dest("10.0.0.9:53"), []byte("a"), nil); err != nil {
		t.Fatal(err)
	}
	ip := decode(t, ts.net.last(t)).Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if ip.TTL != 7 || ip.TOS != 0x10 {
		t.Errorf("TTL, TOS = %d, %#x, want 7, 0x10", ip.TTL, ip.TOS)
	}
	if ip.Flags&layers.IPv4DontFragment != 0 {
		t.Error("DF set without being requested")
	}

	so := &SendOptions{TTL: 9, DontFragment: true}
	if err := ep.Send(dest("10.0.0.9:53"), []byte("a"), so); err != nil {
		t.Fatal(err)
	}
	ip = decode(t, ts.net.last(t)).Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if ip.TTL != 9 {
		t.Errorf("per-call TTL = %d, want 9", ip.TTL)
	}
	if ip.Flags&layers.IPv4DontFragment == 0 {
		t.Error("DF not set by per-call option")
	}

	if err := ep.Send(dest("224.0.0.251:5353"), []byte("a"), nil); err != nil {
		t.Fatal(err)
	}
	ip = decode(t, ts.net.last(t)).Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if ip.TTL != 1 {
		t.Errorf("multicast TTL = %d, want 1", ip.TTL)
	}
}

func TestSend_IPv4StickyOptions(t *testing.T) {
	ts := newTestStack(t)
	ep := ts.open(t, FamilyIPv4)
	mustBind(t, ep, "10.0.0.1", 5000)

	// Three NOPs pad to a four-byte option area.
	if err := ep.SetSockOpt(OptIPOptions, []byte{header.IPv4OptionNOP, header.IPv4OptionNOP, header.IPv4OptionNOP}); err != nil {
		t.Fatalf("SetSockOpt(OptIPOptions) error = %v", err)
	}
	if err := ep.Send(dest("10.0.0.9:53"), []byte("a"), nil); err != nil {
		t.Fatal(err)
	}
	pkt := ts.net.last(t)
	ip := decode(t, pkt).Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if ip.IHL != 6 {
		t.Errorf("IHL = %d, want 6", ip.IHL)
	}
	if !header.VerifyUDPChecksum(pkt.Src, pkt.Dst, pkt.Data[24:]) {
		t.Error("UDP checksum does not verify")
	}
}

func TestSend_IPv6(t *testing.T) {
	ts := newTestStack(t)
	ep := ts.open(t, FamilyIPv6)
	mustBind(t, ep, "2001:db8::1", 5000)
	if err := ep.SetSockOptInt(OptUnicastHops, 33); err != nil {
		t.Fatal(err)
	}
	if err := ep.SetSockOptInt(OptTrafficClass, 0x20); err != nil {
		t.Fatal(err)
	}

	d := &Destination{Addr: netip.MustParseAddr("2001:db8::9"), Port: 53, FlowLabel: 0xabcde}
	if err := ep.Send(d, []byte("hello6"), nil); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	pkt := ts.net.last(t)
	p := decode(t, pkt)
	ip := p.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	if ip.HopLimit != 33 || ip.TrafficClass != 0x20 || ip.FlowLabel != 0xabcde {
		t.Errorf("HopLimit, TrafficClass, FlowLabel = %d, %#x, %#x, want 33, 0x20, 0xabcde",
			ip.HopLimit, ip.TrafficClass, ip.FlowLabel)
	}
	if !ip.SrcIP.Equal(net.ParseIP("2001:db8::1")) {
		t.Errorf("SrcIP = %s, want 2001:db8::1", ip.SrcIP)
	}
	u := udpLayer(t, p)
	if string(u.Payload) != "hello6" {
		t.Errorf("payload = %q, want hello6", u.Payload)
	}
	if !header.VerifyUDPChecksum(pkt.Src, pkt.Dst, pkt.Data[header.IPv6FixedSize:]) {
		t.Error("UDP checksum does not verify")
	}

	so := &SendOptions{HopLimit: 2, Suppress: SuppressTClass}
	if err := ep.Send(d, []byte("x"), so); err != nil {
		t.Fatal(err)
	}
	ip = decode(t, ts.net.last(t)).Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	if ip.HopLimit != 2 || ip.TrafficClass != 0 {
		t.Errorf("HopLimit, TrafficClass = %d, %#x, want 2, 0", ip.HopLimit, ip.TrafficClass)
	}
}

func routing0(segleft uint8, addrs ...string) []byte {
	b := make([]byte, 8+16*len(addrs))
	b[0] = header.ProtocolUDP
	b[1] = uint8(2 * len(addrs))
	b[2] = header.RoutingType0
	b[3] = segleft
	for i, a := range addrs {
		a16 := netip.MustParseAddr(a).As16()
		copy(b[8+16*i:], a16[:])
	}
	return b
}

func TestSend_IPv6RoutingHeader(t *testing.T) {
	ts := newTestStack(t)
	ep := ts.open(t, FamilyIPv6)
	mustBind(t, ep, "2001:db8::1", 5000)
	if err := ep.SetSockOpt(OptRtHdr, routing0(1, "2001:db8::2")); err != nil {
		t.Fatalf("SetSockOpt(OptRtHdr) error = %v", err)
	}

	final := netip.MustParseAddr("2001:db8::9")
	if err := ep.Send(&Destination{Addr: final, Port: 53}, []byte("routed"), nil); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	pkt := ts.net.last(t)
	if pkt.Dst != netip.MustParseAddr("2001:db8::2") {
		t.Errorf("packet Dst = %s, want the first hop 2001:db8::2", pkt.Dst)
	}
	if pkt.Data[6] != header.ProtocolRouting {
		t.Errorf("next header = %d, want routing", pkt.Data[6])
	}

	rh := header.RoutingHeader(pkt.Data[header.IPv6FixedSize : header.IPv6FixedSize+24])
	if got := rh.Addresses(); len(got) != 1 || got[0] != final {
		t.Errorf("routing addresses = %v, want [%s]", got, final)
	}
	seg := pkt.Data[header.IPv6FixedSize+24:]
	if !header.VerifyUDPChecksum(pkt.Src, final, seg) {
		t.Error("UDP checksum does not verify against the final destination")
	}

	if err := ep.SetSockOpt(OptRtHdr, routing0(1, "::ffff:10.0.0.2")); err != nil {
		t.Fatal(err)
	}
	if err := ep.Send(&Destination{Addr: final, Port: 53}, []byte("x"), nil); !errors.Is(err, ErrAddressNotAvailable) {
		t.Errorf("Send() via IPv4-mapped hop error = %v, want ErrAddressNotAvailable", err)
	}

	bad := routing0(1, "2001:db8::2")
	bad[2] = 2
	if err := ep.Send(&Destination{Addr: final, Port: 53}, []byte("x"), &SendOptions{RtHdr: bad}); !errors.Is(err, ErrRoutingHeader) {
		t.Errorf("Send() with type 2 routing header error = %v, want ErrRoutingHeader", err)
	}
}

type fixedLabeler struct {
	label []byte
	calls int
}

func (l *fixedLabeler) Label(dst netip.Addr, cred Credentials) ([]byte, error) {
	l.calls++
	return l.label, nil
}

func TestSend_SecurityLabel(t *testing.T) {
	ts := newTestStack(t)
	lab := &fixedLabeler{label: []byte{0x86, 0x04, 0x00, 0x01}}
	ts.SetLabeler(lab)

	ep := ts.open(t, FamilyIPv4)
	mustBind(t, ep, "10.0.0.1", 5000)
	for i := 0; i < 2; i++ {
		if err := ep.Send(dest("10.0.0.9:53"), []byte("x"), nil); err != nil {
			t.Fatal(err)
		}
	}
	if lab.calls != 1 {
		t.Errorf("Label() called %d times for one destination, want 1", lab.calls)
	}
	pkt := ts.net.last(t)
	ip := decode(t, pkt).Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if ip.IHL != 6 {
		t.Errorf("IHL = %d, want 6", ip.IHL)
	}
	got, err := ep.GetSockOpt(OptSecurityLabel)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.([]byte)) != string(lab.label) {
		t.Errorf("OptSecurityLabel = %x, want %x", got, lab.label)
	}

	if err := ep.Send(dest("10.0.0.8:53"), []byte("x"), nil); err != nil {
		t.Fatal(err)
	}
	if lab.calls != 2 {
		t.Errorf("Label() called %d times for two destinations, want 2", lab.calls)
	}
}
