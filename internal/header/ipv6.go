package header

import (
	"fmt"
	"net/netip"

	"github.com/google/netstack/tcpip"
	nsheader "github.com/google/netstack/tcpip/header"
	"golang.org/x/net/ipv6"
)

// RoutingType0 is the only routing header type the engine will source-route.
const RoutingType0 = 0

// routingFixedSize is the part of a type 0 routing header in front of the
// address list.
const routingFixedSize = 8

// IPv6Header is the fixed IPv6 header.
type IPv6Header struct {
	TrafficClass  uint8
	FlowLabel     uint32
	PayloadLength uint16
	NextHeader    uint8
	HopLimit      uint8
	Src           netip.Addr
	Dst           netip.Addr
}

// Encode writes the fixed header into b.
func (h *IPv6Header) Encode(b []byte) error {
	if len(b) < IPv6FixedSize {
		return ErrTruncated
	}
	src, dst := h.Src.As16(), h.Dst.As16()
	ip := nsheader.IPv6(b)
	ip.Encode(&nsheader.IPv6Fields{
		PayloadLength: h.PayloadLength,
		NextHeader:    h.NextHeader,
		HopLimit:      h.HopLimit,
		SrcAddr:       tcpip.Address(src[:]),
		DstAddr:       tcpip.Address(dst[:]),
	})
	// Also sets the version nibble.
	ip.SetTOS(h.TrafficClass, h.FlowLabel)
	return nil
}

// ParseIPv6 decodes the fixed header at the start of b.
func ParseIPv6(b []byte) (*IPv6Header, error) {
	if len(b) < IPv6FixedSize {
		return nil, ErrTruncated
	}
	if Version(b) != 6 {
		return nil, ErrVersion
	}
	h, err := ipv6.ParseHeader(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return &IPv6Header{
		TrafficClass:  uint8(h.TrafficClass),
		FlowLabel:     uint32(h.FlowLabel),
		PayloadLength: uint16(h.PayloadLen),
		NextHeader:    uint8(h.NextHeader),
		HopLimit:      uint8(h.HopLimit),
		Src:           netip.AddrFrom16([16]byte(b[8:24])),
		Dst:           netip.AddrFrom16([16]byte(b[24:40])),
	}, nil
}

// ExtensionLen returns the length in bytes encoded in the extension
// header at the start of b, or 0 if b is too short to say.
func ExtensionLen(b []byte) int {
	if len(b) < 2 {
		return 0
	}
	return (int(b[1]) + 1) * 8
}

// ValidateExtension checks that b holds exactly one extension header
// whose length field matches len(b).
func ValidateExtension(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if len(b)%8 != 0 || ExtensionLen(b) != len(b) {
		return fmt.Errorf("%w: extension header of %d bytes", ErrBadOptions, len(b))
	}
	return nil
}

// ValidateRouting checks a routing header beyond ValidateExtension.
func ValidateRouting(b []byte) error {
	if err := ValidateExtension(b); err != nil {
		return err
	}
	if len(b) != 0 && len(b) < routingFixedSize {
		return fmt.Errorf("%w: routing header of %d bytes", ErrBadOptions, len(b))
	}
	return nil
}

// RoutingHeader is a view of a routing extension header.
type RoutingHeader []byte

// Type returns the routing type.
func (r RoutingHeader) Type() uint8 { return r[2] }

// SegmentsLeft returns the number of route segments still to visit.
func (r RoutingHeader) SegmentsLeft() uint8 { return r[3] }

// Addresses returns the type 0 address list.
func (r RoutingHeader) Addresses() []netip.Addr {
	n := int(r[1]) / 2
	out := make([]netip.Addr, 0, n)
	for i := 0; i < n; i++ {
		off := routingFixedSize + i*16
		if off+16 > len(r) {
			break
		}
		out = append(out, netip.AddrFrom16([16]byte(r[off:off+16])))
	}
	return out
}

// FinalDestination returns the last address of a type 0 routing header
// with segments left, or dst otherwise.
func (r RoutingHeader) FinalDestination(dst netip.Addr) netip.Addr {
	if len(r) < routingFixedSize || r.SegmentsLeft() == 0 || r.Type() != RoutingType0 {
		return dst
	}
	addrs := r.Addresses()
	if len(addrs) == 0 {
		return dst
	}
	return addrs[len(addrs)-1]
}

// MassageRouting rewrites a type 0 routing header in place for
// transmission to dst. The first listed address becomes the first hop,
// the rest move up one slot and dst takes the last slot. Headers with no
// segments left are not touched and first is dst.
func MassageRouting(r RoutingHeader, dst netip.Addr) (first netip.Addr, err error) {
	if len(r) < routingFixedSize || r.SegmentsLeft() == 0 {
		return dst, nil
	}
	if r.Type() != RoutingType0 {
		return netip.Addr{}, fmt.Errorf("%w: type %d", ErrRoutingType, r.Type())
	}
	if r[1]&1 != 0 {
		return netip.Addr{}, fmt.Errorf("%w: odd routing header length %d", ErrBadOptions, r[1])
	}
	n := int(r[1]) / 2
	if n == 0 || routingFixedSize+n*16 > len(r) {
		return netip.Addr{}, fmt.Errorf("%w: routing header holds no addresses", ErrBadOptions)
	}

	list := r[routingFixedSize : routingFixedSize+n*16]
	first = netip.AddrFrom16([16]byte(list[:16]))
	copy(list, list[16:])
	d := dst.As16()
	copy(list[len(list)-16:], d[:])
	return first, nil
}

// Extensions holds the extension headers found in an inbound IPv6
// datagram, each including its own two-byte prefix. RoutingDstOpts is
// the destination options header that precedes a routing header.
type Extensions struct {
	HopByHop       []byte
	RoutingDstOpts []byte
	Routing        RoutingHeader
	DstOpts        []byte
}

// ParseExtensions walks the extension header chain of an IPv6 datagram
// starting after the fixed header. It returns the headers found, the
// upper-layer protocol and its offset in b. A fragment header or an
// unknown header ends the walk with that protocol.
func ParseExtensions(b []byte, next uint8) (Extensions, uint8, int, error) {
	var ext Extensions
	off := IPv6FixedSize
	for {
		switch next {
		case ProtocolHopByHop, ProtocolRouting, ProtocolDstOptions:
		default:
			return ext, next, off, nil
		}
		if off+8 > len(b) {
			return ext, next, off, ErrTruncated
		}
		l := ExtensionLen(b[off:])
		if off+l > len(b) {
			return ext, next, off, ErrTruncated
		}
		h := b[off : off+l]
		switch next {
		case ProtocolHopByHop:
			if off != IPv6FixedSize {
				return ext, next, off, fmt.Errorf("%w: hop-by-hop header not first", ErrBadOptions)
			}
			ext.HopByHop = h
		case ProtocolRouting:
			// Destination options seen so far precede the routing header.
			ext.RoutingDstOpts, ext.DstOpts = ext.DstOpts, nil
			ext.Routing = RoutingHeader(h)
		case ProtocolDstOptions:
			ext.DstOpts = h
		}
		next = h[0]
		off += l
	}
}
