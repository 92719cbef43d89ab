package icmp

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"syscall"
	"testing"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/postalsys/udpengine/internal/header"
)

var (
	local4 = netip.MustParseAddr("10.0.0.1")
	peer4  = netip.MustParseAddr("10.0.0.9")
	local6 = netip.MustParseAddr("2001:db8::1")
	peer6  = netip.MustParseAddr("2001:db8::9")
)

func quoteV4(t *testing.T, proto uint8) []byte {
	t.Helper()
	h := &header.IPv4Header{TotalLength: 40, TTL: 64, Protocol: proto, Src: local4, Dst: peer4}
	b := make([]byte, h.Len()+header.UDPSize)
	if err := h.Encode(b); err != nil {
		t.Fatal(err)
	}
	binary.BigEndian.PutUint16(b[20:], 40000)
	binary.BigEndian.PutUint16(b[22:], 53)
	return b
}

func quoteV6(t *testing.T, ext []byte) []byte {
	t.Helper()
	next := uint8(header.ProtocolUDP)
	if ext != nil {
		next = header.ProtocolDstOptions
	}
	h := &header.IPv6Header{NextHeader: next, HopLimit: 64, FlowLabel: 0x12345, Src: local6, Dst: peer6}
	b := make([]byte, header.IPv6FixedSize)
	if err := h.Encode(b); err != nil {
		t.Fatal(err)
	}
	b = append(b, ext...)
	udp := make([]byte, header.UDPSize)
	binary.BigEndian.PutUint16(udp[0:], 40000)
	binary.BigEndian.PutUint16(udp[2:], 53)
	return append(b, udp...)
}

func marshal(t *testing.T, m *icmp.Message) []byte {
	t.Helper()
	b, err := m.Marshal(nil)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return b
}

func TestParse_V4PortUnreachable(t *testing.T) {
	msg := marshal(t, &icmp.Message{
		Type: ipv4.ICMPTypeDestinationUnreachable,
		Code: codeV4PortUnreachable,
		Body: &icmp.DstUnreach{Data: quoteV4(t, header.ProtocolUDP)},
	})

	n, err := Parse(4, msg)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if n.Local() != netip.AddrPortFrom(local4, 40000) {
		t.Errorf("Local() = %s, want %s:40000", n.Local(), local4)
	}
	if n.Peer() != netip.AddrPortFrom(peer4, 53) {
		t.Errorf("Peer() = %s, want %s:53", n.Peer(), peer4)
	}

	effect, e := n.Effect()
	if effect != EffectFatal || e != syscall.ECONNREFUSED {
		t.Errorf("Effect() = %v, %v, want fatal, ECONNREFUSED", effect, e)
	}
}

func TestParse_V4Effects(t *testing.T) {
	tests := []struct {
		name   string
		typ    ipv4.ICMPType
		code   int
		body   func([]byte) icmp.MessageBody
		effect Effect
	}{
		{"protocol unreachable", ipv4.ICMPTypeDestinationUnreachable, codeV4ProtocolUnreachable,
			func(q []byte) icmp.MessageBody { return &icmp.DstUnreach{Data: q} }, EffectFatal},
		{"fragmentation needed", ipv4.ICMPTypeDestinationUnreachable, codeV4FragmentationNeeded,
			func(q []byte) icmp.MessageBody { return &icmp.DstUnreach{Data: q} }, EffectAdvisory},
		{"host unreachable", ipv4.ICMPTypeDestinationUnreachable, 1,
			func(q []byte) icmp.MessageBody { return &icmp.DstUnreach{Data: q} }, EffectIgnore},
		{"time exceeded", ipv4.ICMPTypeTimeExceeded, 0,
			func(q []byte) icmp.MessageBody { return &icmp.TimeExceeded{Data: q} }, EffectIgnore},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg := marshal(t, &icmp.Message{Type: tc.typ, Code: tc.code, Body: tc.body(quoteV4(t, header.ProtocolUDP))})
			n, err := Parse(4, msg)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if effect, _ := n.Effect(); effect != tc.effect {
				t.Errorf("Effect() = %v, want %v", effect, tc.effect)
			}
		})
	}
}

func TestParse_V4FragmentationNeededMTU(t *testing.T) {
	msg := marshal(t, &icmp.Message{
		Type: ipv4.ICMPTypeDestinationUnreachable,
		Code: codeV4FragmentationNeeded,
		Body: &icmp.DstUnreach{Data: quoteV4(t, header.ProtocolUDP)},
	})
	binary.BigEndian.PutUint16(msg[6:], 1400)

	n, err := Parse(4, msg)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if n.MTU != 1400 {
		t.Errorf("MTU = %d, want 1400", n.MTU)
	}
}

func TestParse_Errors(t *testing.T) {
	echo := marshal(t, &icmp.Message{Type: ipv4.ICMPTypeEcho, Body: &icmp.Echo{ID: 1, Seq: 1}})
	if _, err := Parse(4, echo); !errors.Is(err, ErrNotError) {
		t.Errorf("Parse(echo) error = %v, want ErrNotError", err)
	}

	tcp := marshal(t, &icmp.Message{
		Type: ipv4.ICMPTypeDestinationUnreachable,
		Code: codeV4PortUnreachable,
		Body: &icmp.DstUnreach{Data: quoteV4(t, 6)},
	})
	if _, err := Parse(4, tcp); !errors.Is(err, ErrNotUDP) {
		t.Errorf("Parse(tcp quote) error = %v, want ErrNotUDP", err)
	}

	short := quoteV4(t, header.ProtocolUDP)[:22]
	trunc := marshal(t, &icmp.Message{
		Type: ipv4.ICMPTypeDestinationUnreachable,
		Code: codeV4PortUnreachable,
		Body: &icmp.DstUnreach{Data: short},
	})
	if _, err := Parse(4, trunc); !errors.Is(err, ErrQuoteTruncated) {
		t.Errorf("Parse(truncated quote) error = %v, want ErrQuoteTruncated", err)
	}

	if _, err := Parse(5, echo); err == nil {
		t.Error("Parse(version 5) error = nil")
	}
}

func TestParse_V6PortUnreachable(t *testing.T) {
	msg := marshal(t, &icmp.Message{
		Type: ipv6.ICMPTypeDestinationUnreachable,
		Code: codeV6PortUnreachable,
		Body: &icmp.DstUnreach{Data: quoteV6(t, nil)},
	})

	n, err := Parse(6, msg)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if n.Peer() != netip.AddrPortFrom(peer6, 53) {
		t.Errorf("Peer() = %s, want [%s]:53", n.Peer(), peer6)
	}
	if n.FlowLabel != 0x12345 {
		t.Errorf("FlowLabel = %#x, want 0x12345", n.FlowLabel)
	}
	if effect, e := n.Effect(); effect != EffectFatal || e != syscall.ECONNREFUSED {
		t.Errorf("Effect() = %v, %v, want fatal, ECONNREFUSED", effect, e)
	}
}

func TestParse_V6PacketTooBig(t *testing.T) {
	msg := marshal(t, &icmp.Message{
		Type: ipv6.ICMPTypePacketTooBig,
		Body: &icmp.PacketTooBig{MTU: 1280, Data: quoteV6(t, nil)},
	})

	n, err := Parse(6, msg)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if n.MTU != 1280 {
		t.Errorf("MTU = %d, want 1280", n.MTU)
	}
	if effect, _ := n.Effect(); effect != EffectPathMTU {
		t.Errorf("Effect() = %v, want path_mtu", effect)
	}
}

func TestParse_V6ParamProblemNextHeader(t *testing.T) {
	dstopts := []byte{header.ProtocolUDP, 0, 1, 4, 0, 0, 0, 0}

	tests := []struct {
		name    string
		ext     []byte
		pointer uintptr
		effect  Effect
	}{
		{"fixed header next header", nil, 6, EffectFatal},
		{"extension header next header", dstopts, header.IPv6FixedSize, EffectFatal},
		{"pointer elsewhere", nil, 7, EffectIgnore},
		{"fixed header with extension present", dstopts, 6, EffectIgnore},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg := marshal(t, &icmp.Message{
				Type: ipv6.ICMPTypeParameterProblem,
				Code: codeV6UnrecognizedNext,
				Body: &icmp.ParamProb{Pointer: tc.pointer, Data: quoteV6(t, tc.ext)},
			})
			n, err := Parse(6, msg)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if effect, _ := n.Effect(); effect != tc.effect {
				t.Errorf("Effect() = %v, want %v (pointer %d, next header at %d)",
					effect, tc.effect, n.Pointer, n.NextHeaderOffset)
			}
		})
	}
}

func TestEffectString(t *testing.T) {
	tests := []struct {
		e    Effect
		want string
	}{
		{EffectIgnore, "ignore"},
		{EffectAdvisory, "advisory"},
		{EffectPathMTU, "path_mtu"},
		{EffectFatal, "fatal"},
		{Effect(99), "unknown"},
	}
	for _, tc := range tests {
		if got := tc.e.String(); got != tc.want {
			t.Errorf("Effect(%d).String() = %q, want %q", tc.e, got, tc.want)
		}
	}
}
