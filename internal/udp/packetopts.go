package udp

import (
	"net/netip"
)

// Suppress selects sticky option categories to leave out of one send.
type Suppress uint16

const (
	SuppressHopOpts Suppress = 1 << iota
	SuppressRtDstOpts
	SuppressRtHdr
	SuppressDstOpts
	SuppressPktInfo
	SuppressNextHop
	SuppressTClass
	SuppressHopLimit
)

// SendOptions are ancillary options for a single send. They take
// precedence over the endpoint's sticky options. As with the control
// messages of golang.org/x/net/ipv4 and ipv6, a zero field means unset.
type SendOptions struct {
	// Source and IfIndex select the source address and outgoing interface.
	Source  netip.Addr
	IfIndex uint32

	NextHop netip.Addr

	// TTL and TOS apply to IPv4 datagrams, HopLimit and TrafficClass to
	// IPv6 datagrams.
	TTL          int
	TOS          int
	HopLimit     int
	TrafficClass int

	DontFragment bool

	// IPv6 extension headers, each a complete header including its
	// next-header and length bytes.
	HopOpts   []byte
	RtDstOpts []byte
	RtHdr     []byte
	DstOpts   []byte

	Suppress Suppress
}

func (so *SendOptions) suppresses(s Suppress) bool {
	return so != nil && so.Suppress&s != 0
}

// pickHeader returns the per-call header if given, otherwise the sticky
// one unless suppressed.
func pickHeader(perCall, sticky []byte, so *SendOptions, s Suppress) []byte {
	if len(perCall) > 0 {
		return perCall
	}
	if so.suppresses(s) {
		return nil
	}
	return sticky
}

// labelHopOpts builds a hop-by-hop options header holding the label token
// followed by the options of the sticky header, padded to eight bytes.
func labelHopOpts(label, sticky []byte) []byte {
	body := append([]byte(nil), label...)
	if len(sticky) > 2 {
		body = append(body, sticky[2:]...)
	}
	n := 2 + len(body)
	total := (n + 7) &^ 7
	h := make([]byte, total)
	copy(h[2:], body)
	h[1] = byte(total/8 - 1)
	padOptions(h[n:])
	return h
}

// padOptions fills b with a Pad1 or PadN option.
func padOptions(b []byte) {
	switch len(b) {
	case 0:
	case 1:
		b[0] = 0
	default:
		b[0] = 1
		b[1] = byte(len(b) - 2)
		clear(b[2:])
	}
}
