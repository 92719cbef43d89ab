package header

import (
	"fmt"
	"net/netip"

	"github.com/google/netstack/tcpip"
	nsheader "github.com/google/netstack/tcpip/header"
)

// IPv4 option types.
const (
	IPv4OptionEOL          = 0
	IPv4OptionNOP          = 1
	IPv4OptionRecordRoute  = 7
	IPv4OptionLooseRoute   = 0x83
	IPv4OptionStrictRoute  = 0x89
	IPv4OptionSecurityCIPS = 0x86
)

// IPv4 flag bits as stored in the top of the fragment word.
const (
	IPv4FlagDontFragment  = 0x2
	IPv4FlagMoreFragments = 0x1
)

// IPv4Header is the decoded form of an IPv4 header.
type IPv4Header struct {
	TOS            uint8
	TotalLength    uint16
	ID             uint16
	Flags          uint8
	FragmentOffset uint16
	TTL            uint8
	Protocol       uint8
	Checksum       uint16
	Src            netip.Addr
	Dst            netip.Addr
	Options        []byte
}

// Len returns the encoded header length including options.
func (h *IPv4Header) Len() int {
	return IPv4MinimumSize + len(h.Options)
}

// Encode writes the header into b, which must hold at least h.Len()
// bytes, and fills in the header checksum. Options must already be padded
// to a multiple of four bytes.
func (h *IPv4Header) Encode(b []byte) error {
	hlen := h.Len()
	if len(h.Options)%4 != 0 || len(h.Options) > IPv4MaxOptionSize {
		return fmt.Errorf("%w: option length %d", ErrBadOptions, len(h.Options))
	}
	if len(b) < hlen {
		return ErrTruncated
	}

	src, dst := addr4(h.Src), addr4(h.Dst)
	ip := nsheader.IPv4(b)
	ip.Encode(&nsheader.IPv4Fields{
		IHL:            uint8(hlen),
		TOS:            h.TOS,
		TotalLength:    h.TotalLength,
		ID:             h.ID,
		Flags:          h.Flags,
		FragmentOffset: h.FragmentOffset << 3,
		TTL:            h.TTL,
		Protocol:       h.Protocol,
		SrcAddr:        tcpip.Address(src[:]),
		DstAddr:        tcpip.Address(dst[:]),
	})
	copy(b[IPv4MinimumSize:hlen], h.Options)

	h.Checksum = ^ip.CalculateChecksum()
	ip.SetChecksum(h.Checksum)
	return nil
}

// ParseIPv4 decodes the IPv4 header at the start of b. The returned
// Options slice aliases b.
func ParseIPv4(b []byte) (*IPv4Header, error) {
	if len(b) < IPv4MinimumSize {
		return nil, ErrTruncated
	}
	if Version(b) != 4 {
		return nil, ErrVersion
	}
	ip := nsheader.IPv4(b)
	hlen := int(ip.HeaderLength())
	if hlen < IPv4MinimumSize || hlen > len(b) {
		return nil, fmt.Errorf("%w: header length %d", ErrTruncated, hlen)
	}

	tos, _ := ip.TOS()
	return &IPv4Header{
		TOS:            tos,
		TotalLength:    ip.TotalLength(),
		ID:             ip.ID(),
		Flags:          ip.Flags(),
		FragmentOffset: ip.FragmentOffset() >> 3,
		TTL:            ip.TTL(),
		Protocol:       ip.Protocol(),
		Checksum:       ip.Checksum(),
		Src:            netip.AddrFrom4([4]byte([]byte(ip.SourceAddress()))),
		Dst:            netip.AddrFrom4([4]byte([]byte(ip.DestinationAddress()))),
		Options:        b[IPv4MinimumSize:hlen],
	}, nil
}

// PadIPv4Options returns opts padded with end-of-list bytes to a
// multiple of four.
func PadIPv4Options(opts []byte) []byte {
	n := (len(opts) + 3) &^ 3
	out := make([]byte, n)
	copy(out, opts)
	return out
}

// ValidateIPv4Options walks opts and checks every option length.
func ValidateIPv4Options(opts []byte) error {
	if len(opts) > IPv4MaxOptionSize {
		return fmt.Errorf("%w: %d bytes of options", ErrBadOptions, len(opts))
	}
	for i := 0; i < len(opts); {
		switch opts[i] {
		case IPv4OptionEOL:
			return nil
		case IPv4OptionNOP:
			i++
			continue
		}
		if i+1 >= len(opts) {
			return fmt.Errorf("%w: option %d has no length", ErrBadOptions, opts[i])
		}
		l := int(opts[i+1])
		if l < 2 || i+l > len(opts) {
			return fmt.Errorf("%w: option %d length %d", ErrBadOptions, opts[i], l)
		}
		i += l
	}
	return nil
}

// MassageSourceRoute rewrites a loose or strict source route in opts, in
// place, for transmission to dst: the next hop moves into the destination
// field and dst takes the last slot of the route. It returns the address
// to put in the IP destination field and the final destination the
// pseudo-header checksum must use. Without a source route both are dst.
func MassageSourceRoute(opts []byte, dst netip.Addr) (first, final netip.Addr) {
	first, final = dst, dst
	for i := 0; i < len(opts); {
		typ := opts[i]
		if typ == IPv4OptionEOL {
			break
		}
		if typ == IPv4OptionNOP {
			i++
			continue
		}
		if i+1 >= len(opts) {
			break
		}
		optlen := int(opts[i+1])
		if optlen < 2 || i+optlen > len(opts) {
			break
		}
		if typ == IPv4OptionLooseRoute || typ == IPv4OptionStrictRoute {
			opt := opts[i : i+optlen]
			// The pointer is one-based and counts the three option bytes.
			off := int(opt[2]) - 1
			if optlen < 4+3 || off < 3 || off > optlen-4 {
				break
			}
			first = netip.AddrFrom4([4]byte(opt[off : off+4]))
			copy(opt[off:], opt[off+4:])
			d := addr4(dst)
			copy(opt[optlen-4:], d[:])
			return first, final
		}
		i += optlen
	}
	return first, final
}
