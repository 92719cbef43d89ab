package udp

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/postalsys/udpengine/internal/header"
)

// buildV4 assembles an IPv4 datagram for t. The caller holds mu.
func (ep *Endpoint) buildV4(t target, payload []byte, so *SendOptions) (*OutboundPacket, error) {
	dst := t.addr
	if isAny(dst) {
		dst = v4Loopback
	}

	src := ep.src
	if isAny(src) {
		src = v4Unspecified
	}
	ttl := ep.opts.ttl
	if isMulticastOrBroadcast(dst) {
		ttl = ep.opts.mcastTTL
	}
	tos := ep.opts.tos
	df := ep.opts.dontFrag
	var ifindex uint32
	var nexthop netip.Addr

	if so != nil {
		if so.Source.IsValid() {
			if !is4(so.Source) {
				return nil, fmt.Errorf("%w: source %s is not IPv4", ErrInvalid, so.Source)
			}
			src = canon(so.Source)
		}
		if so.TTL != 0 {
			if so.TTL < 0 || so.TTL > 255 {
				return nil, fmt.Errorf("%w: ttl %d", ErrInvalid, so.TTL)
			}
			ttl = uint8(so.TTL)
		}
		if so.TOS != 0 {
			if so.TOS < 0 || so.TOS > 255 {
				return nil, fmt.Errorf("%w: tos %d", ErrInvalid, so.TOS)
			}
			tos = uint8(so.TOS)
		}
		df = df || so.DontFragment
		ifindex = so.IfIndex
		nexthop = so.NextHop
	}

	var raw []byte
	if ep.labelValid {
		raw = append(raw, ep.lastLabel...)
	}
	raw = append(raw, ep.opts.ipOptions...)
	if len(raw) > header.IPv4MaxOptionSize {
		return nil, fmt.Errorf("%w: %d bytes of IP options", ErrInvalid, len(raw))
	}
	opts := header.PadIPv4Options(raw)
	first, final := header.MassageSourceRoute(opts, dst)

	hlen := header.IPv4MinimumSize + len(opts)
	total := hlen + header.UDPSize + len(payload)
	if total > header.MaxPacketSize {
		return nil, fmt.Errorf("%w: %d byte datagram", ErrMessageTooLong, total)
	}

	buf := make([]byte, total)
	seg := buf[hlen:]
	udp := header.UDPHeader{
		SrcPort: ep.port,
		DstPort: t.port,
		Length:  uint16(header.UDPSize + len(payload)),
	}
	if err := udp.Encode(seg); err != nil {
		return nil, err
	}
	copy(seg[header.UDPSize:], payload)
	if ep.stack.opts.Checksum {
		header.SetUDPChecksum(seg, header.UDPChecksum(src, final, seg))
	}

	ip := header.IPv4Header{
		TOS:         tos,
		TotalLength: uint16(total),
		ID:          ep.stack.nextIPID(),
		TTL:         ttl,
		Protocol:    header.ProtocolUDP,
		Src:         src,
		Dst:         first,
		Options:     opts,
	}
	if df {
		ip.Flags = header.IPv4FlagDontFragment
	}
	if err := ip.Encode(buf); err != nil {
		return nil, err
	}

	return &OutboundPacket{
		Version:      4,
		Data:         buf,
		Src:          src.Unmap(),
		Dst:          first.Unmap(),
		NextHop:      nexthop,
		IfIndex:      ifindex,
		DontFragment: df,
		Zone:         ep.zone,
		EndpointID:   ep.id,
	}, nil
}

// extHeader is one IPv6 extension header queued for serialization.
type extHeader struct {
	proto uint8
	b     []byte
}

// buildV6 assembles an IPv6 datagram for t. The caller holds mu.
func (ep *Endpoint) buildV6(t target, payload []byte, so *SendOptions) (*OutboundPacket, error) {
	dst := t.addr
	if isAny(dst) {
		dst = v6Loopback
	}

	pi := ep.opts.pktinfo
	if so.suppresses(SuppressPktInfo) {
		pi = PacketInfo{}
	}
	if so != nil {
		if so.Source.IsValid() {
			pi.Addr = so.Source
		}
		if so.IfIndex != 0 {
			pi.IfIndex = so.IfIndex
		}
	}
	src := ep.src
	if pi.Addr.IsValid() {
		src = pi.Addr.WithZone("")
	}
	if src.Is4In6() || src.Is4() {
		return nil, fmt.Errorf("%w: IPv4 source %s for IPv6 datagram", ErrAddressNotAvailable, src)
	}

	var hops uint8
	switch {
	case so != nil && so.HopLimit != 0:
		if so.HopLimit < 0 || so.HopLimit > 255 {
			return nil, fmt.Errorf("%w: hop limit %d", ErrInvalid, so.HopLimit)
		}
		hops = uint8(so.HopLimit)
	case dst.IsMulticast():
		hops = ep.multicastHops()
	case so.suppresses(SuppressHopLimit):
		hops = ep.stack.opts.HopLimit
	default:
		hops = ep.unicastHops()
	}

	tclass := ep.opts.tclass
	if so.suppresses(SuppressTClass) {
		tclass = 0
	}
	if so != nil && so.TrafficClass != 0 {
		if so.TrafficClass < 0 || so.TrafficClass > 255 {
			return nil, fmt.Errorf("%w: traffic class %d", ErrInvalid, so.TrafficClass)
		}
		tclass = uint8(so.TrafficClass)
	}

	nexthop := ep.opts.nextHop
	if so.suppresses(SuppressNextHop) {
		nexthop = netip.Addr{}
	}
	if so != nil && so.NextHop.IsValid() {
		nexthop = so.NextHop
	}

	var perCall SendOptions
	if so != nil {
		perCall = *so
	}
	hop := pickHeader(perCall.HopOpts, ep.opts.hopOpts, so, SuppressHopOpts)
	if ep.labelValid && len(ep.lastLabel) > 0 {
		// A label pins the hop-by-hop header to the sticky options.
		hop = labelHopOpts(ep.lastLabel, ep.opts.hopOpts)
	}
	rtdst := pickHeader(perCall.RtDstOpts, ep.opts.rtDstOpts, so, SuppressRtDstOpts)
	rthdr := pickHeader(perCall.RtHdr, ep.opts.rtHdr, so, SuppressRtHdr)
	dstopts := pickHeader(perCall.DstOpts, ep.opts.dstOpts, so, SuppressDstOpts)

	for _, h := range [][]byte{perCall.HopOpts, perCall.RtDstOpts, perCall.DstOpts} {
		if err := header.ValidateExtension(h); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	if err := header.ValidateRouting(perCall.RtHdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var chain []extHeader
	if len(hop) > 0 {
		chain = append(chain, extHeader{header.ProtocolHopByHop, hop})
	}
	if len(rthdr) > 0 {
		if len(rtdst) > 0 {
			chain = append(chain, extHeader{header.ProtocolDstOptions, rtdst})
		}
		chain = append(chain, extHeader{header.ProtocolRouting, rthdr})
	}
	if len(dstopts) > 0 {
		chain = append(chain, extHeader{header.ProtocolDstOptions, dstopts})
	}

	extLen := 0
	for _, h := range chain {
		extLen += len(h.b)
	}
	plen := extLen + header.UDPSize + len(payload)
	if plen > header.MaxPacketSize {
		return nil, fmt.Errorf("%w: %d byte payload", ErrMessageTooLong, plen)
	}

	buf := make([]byte, header.IPv6FixedSize+plen)
	off := header.IPv6FixedSize
	next := uint8(header.ProtocolUDP)
	if len(chain) > 0 {
		next = chain[0].proto
	}
	first := dst
	for i, h := range chain {
		b := buf[off : off+len(h.b)]
		copy(b, h.b)
		b[0] = header.ProtocolUDP
		if i+1 < len(chain) {
			b[0] = chain[i+1].proto
		}
		if h.proto == header.ProtocolRouting {
			hopAddr, err := header.MassageRouting(header.RoutingHeader(b), dst)
			switch {
			case errors.Is(err, header.ErrRoutingType), errors.Is(err, header.ErrBadOptions):
				return nil, fmt.Errorf("%w: %v", ErrRoutingHeader, err)
			case err != nil:
				return nil, err
			}
			if hopAddr.Is4In6() {
				return nil, fmt.Errorf("%w: IPv4-mapped first hop %s", ErrAddressNotAvailable, hopAddr)
			}
			first = hopAddr
		}
		off += len(h.b)
	}

	seg := buf[off:]
	udp := header.UDPHeader{
		SrcPort: ep.port,
		DstPort: t.port,
		Length:  uint16(header.UDPSize + len(payload)),
	}
	if err := udp.Encode(seg); err != nil {
		return nil, err
	}
	copy(seg[header.UDPSize:], payload)
	header.SetUDPChecksum(seg, header.UDPChecksum(src, dst, seg))

	ip := header.IPv6Header{
		TrafficClass:  tclass,
		FlowLabel:     t.flowinfo,
		PayloadLength: uint16(plen),
		NextHeader:    next,
		HopLimit:      hops,
		Src:           src,
		Dst:           first,
	}
	if err := ip.Encode(buf); err != nil {
		return nil, err
	}

	df := ep.opts.dontFrag || (so != nil && so.DontFragment)
	return &OutboundPacket{
		Version:      6,
		Data:         buf,
		Src:          src,
		Dst:          first,
		NextHop:      nexthop,
		IfIndex:      pi.IfIndex,
		DontFragment: df,
		Zone:         ep.zone,
		EndpointID:   ep.id,
	}, nil
}
