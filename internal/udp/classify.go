package udp

import (
	"errors"
	"net/netip"
	"strconv"
	"time"

	"github.com/postalsys/udpengine/internal/header"
	"github.com/postalsys/udpengine/internal/logging"
	"github.com/postalsys/udpengine/internal/recovery"
)

// InboundPacket is a datagram handed up by the IP layer.
type InboundPacket struct {
	// Data is the complete datagram starting at the IP header. The engine
	// does not retain it.
	Data []byte

	IfIndex  uint32
	LinkAddr []byte
	Zone     Zone

	// Cred identifies the sending process for locally originated traffic.
	Cred *Credentials

	// Timestamp is the receive time; zero means now.
	Timestamp time.Time

	// Broadcast marks a datagram received as a link or subnet broadcast.
	Broadcast bool
}

// datagram is a validated inbound UDP datagram.
type datagram struct {
	version   int
	raw       []byte
	src       netip.Addr
	dst       netip.Addr
	srcPort   uint16
	dstPort   uint16
	ttl       uint8
	tclass    uint8
	flowLabel uint32
	ipOptions []byte
	ext       header.Extensions
	payload   []byte
}

// parse validates raw and locates its headers.
func (s *Stack) parse(raw []byte) (*datagram, *DropError) {
	if len(raw) == 0 {
		return nil, drop(DropShortPacket, nil)
	}

	d := &datagram{}
	off := 0
	switch header.Version(raw) {
	case 4:
		h, err := header.ParseIPv4(raw)
		if err != nil {
			if errors.Is(err, header.ErrTruncated) && len(raw) >= header.IPv4MinimumSize {
				return nil, drop(DropBadHeaderLength, err)
			}
			return nil, drop(DropShortPacket, err)
		}
		total := int(h.TotalLength)
		if total < h.Len() {
			return nil, drop(DropBadHeaderLength, nil)
		}
		if total > len(raw) {
			return nil, drop(DropBadLength, nil)
		}
		raw = raw[:total]
		if h.Flags&header.IPv4FlagMoreFragments != 0 || h.FragmentOffset != 0 {
			return nil, drop(DropFragment, nil)
		}
		if h.Protocol != header.ProtocolUDP {
			return nil, drop(DropNotUDP, nil)
		}
		d.version = 4
		d.src, d.dst = canon(h.Src), canon(h.Dst)
		d.ttl, d.tclass = h.TTL, h.TOS
		d.ipOptions = h.Options
		off = h.Len()

	case 6:
		h, err := header.ParseIPv6(raw)
		if err != nil {
			return nil, drop(DropShortPacket, err)
		}
		total := header.IPv6FixedSize + int(h.PayloadLength)
		if h.PayloadLength == 0 || total > len(raw) {
			return nil, drop(DropBadLength, nil)
		}
		raw = raw[:total]
		ext, proto, o, err := header.ParseExtensions(raw, h.NextHeader)
		if err != nil {
			return nil, drop(DropBadExtension, err)
		}
		if proto == header.ProtocolFragment {
			return nil, drop(DropFragment, nil)
		}
		// Segments left means the IP layer has not finished the route and
		// the destination field is not ours yet.
		if r := ext.Routing; len(r) >= 4 && r.SegmentsLeft() != 0 {
			return nil, drop(DropUnfinishedRoute, nil)
		}
		if proto != header.ProtocolUDP {
			return nil, drop(DropNotUDP, nil)
		}
		d.version = 6
		d.src, d.dst = h.Src, h.Dst
		d.ttl, d.tclass, d.flowLabel = h.HopLimit, h.TrafficClass, h.FlowLabel
		d.ext = ext
		off = o

	default:
		return nil, drop(DropBadVersion, nil)
	}

	seg := raw[off:]
	u, err := header.ParseUDP(seg)
	if err != nil {
		return nil, drop(DropShortPacket, err)
	}
	if int(u.Length) != len(seg) {
		return nil, drop(DropBadLength, nil)
	}

	if s.opts.VerifyChecksum {
		switch {
		case u.Checksum == 0 && d.version == 4:
		case u.Checksum == 0:
			return nil, drop(DropBadChecksum, nil)
		case !header.VerifyUDPChecksum(d.src, d.dst, seg):
			return nil, drop(DropBadChecksum, nil)
		}
	}

	d.raw = raw
	d.srcPort, d.dstPort = u.SrcPort, u.DstPort
	d.payload = seg[header.UDPSize:]
	return d, nil
}

// accepts reports whether e is bound to receive f, ignoring its peer. The
// caller holds the bucket lock.
func (e *Endpoint) accepts(f flow) bool {
	if e.state == StateUnbound || e.port != f.localPort {
		return false
	}
	if !zoneMatch(e.zone, f.zone) {
		return false
	}

	switch f.version {
	case 4:
		if e.family == FamilyIPv6 {
			if e.v6only.Load() || !(isAny(e.boundSrc) || is4(e.boundSrc)) {
				return false
			}
		}
	case 6:
		if e.family != FamilyIPv6 || is4(e.boundSrc) {
			return false
		}
	}
	return isAny(e.boundSrc) || e.boundSrc == f.local
}

// DeliverPacket classifies an inbound datagram and hands it to every
// endpoint that should receive it. The returned *DropError tells the IP
// layer why nothing was delivered; IsNoPort identifies the case that
// warrants a port unreachable.
func (s *Stack) DeliverPacket(pkt *InboundPacket) error {
	d, derr := s.parse(pkt.Data)
	if derr != nil {
		s.dropped(derr)
		return derr
	}

	f := flow{
		version:   d.version,
		local:     d.dst,
		localPort: d.dstPort,
		peer:      d.src,
		peerPort:  d.srcPort,
		zone:      pkt.Zone,
	}
	multi := pkt.Broadcast || isMulticastOrBroadcast(d.dst)
	eps := s.table.lookup(f, multi, false)
	if len(eps) == 0 {
		s.metrics.RecordNoPort()
		derr := drop(DropNoPort, nil)
		s.drops.Debug("datagram dropped",
			logging.KeyReason, derr.Reason.String(),
			logging.KeyLocalAddr, netip.AddrPortFrom(d.dst, d.dstPort),
			logging.KeyRemoteAddr, netip.AddrPortFrom(d.src, d.srcPort))
		return derr
	}

	delivered := false
	for _, ep := range eps {
		if s.deliver(ep, d, pkt) {
			delivered = true
		}
	}
	if !delivered {
		return drop(DropOverflow, nil)
	}
	return nil
}

func (s *Stack) dropped(derr *DropError) {
	s.metrics.RecordInError(derr.Reason.String())
	args := []any{logging.KeyReason, derr.Reason.String()}
	if derr.Err != nil {
		args = append(args, logging.KeyError, derr.Err)
	}
	s.drops.Debug("datagram dropped", args...)
}

// deliver builds the message for ep and calls the delivery upcall with no
// lock held. It reports whether the application queued the message.
func (s *Stack) deliver(ep *Endpoint, d *datagram, pkt *InboundPacket) bool {
	ep.mu.RLock()
	if ep.destroyed {
		ep.mu.RUnlock()
		return false
	}
	payload := d.payload
	if ep.opts.rcvHdr {
		payload = d.raw
	}
	msg := &Message{
		Source:      netip.AddrPortFrom(external(d.src, ep.family), d.srcPort),
		Destination: netip.AddrPortFrom(external(d.dst, ep.family), d.dstPort),
		Payload:     append([]byte(nil), payload...),
		Ancillary:   ep.buildAncillary(d, pkt, s.now()),
		FlowLabel:   d.flowLabel,
	}
	hiwat := ep.opts.rcvHiwat
	ep.mu.RUnlock()

	if d.version == 4 {
		ep.rmu.Lock()
		ep.lastRecvOpts = append(ep.lastRecvOpts[:0], d.ipOptions...)
		ep.rmu.Unlock()
	}

	queued, ok := s.callDeliver(ep, msg)
	if !ok {
		return false
	}
	if queued < 0 {
		s.metrics.RecordInError(DropOverflow.String())
		return false
	}

	s.metrics.RecordDatagramIn(strconv.Itoa(d.version), len(d.payload))
	if queued >= hiwat && !ep.flowControlled.Swap(true) {
		s.metrics.RecordFlowControl()
		s.logger.Debug("endpoint flow controlled",
			logging.KeyEndpointID, ep.id,
			logging.KeyLength, queued)
	}
	return true
}

// callDeliver runs the delivery upcall, containing any panic.
func (s *Stack) callDeliver(ep *Endpoint, msg *Message) (int, bool) {
	var queued int
	panicked := recovery.Call(s.logger, "deliver", s.upcallPanicked, func() {
		queued = s.upcalls.Deliver(ep, msg)
	})
	return queued, !panicked
}

func (s *Stack) upcallPanicked(any) {
	s.metrics.RecordUpcallPanic()
}
