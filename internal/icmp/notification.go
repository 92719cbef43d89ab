package icmp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"syscall"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/postalsys/udpengine/internal/errno"
	"github.com/postalsys/udpengine/internal/header"
)

// ICMP codes the engine distinguishes.
const (
	codeV4ProtocolUnreachable = 2
	codeV4PortUnreachable     = 3
	codeV4FragmentationNeeded = 4

	codeV6PortUnreachable  = 4
	codeV6UnrecognizedNext = 1
)

var (
	// ErrNotError is returned for ICMP messages that do not report an error
	// about a datagram, such as echo requests.
	ErrNotError = errors.New("not an ICMP error message")

	// ErrNotUDP is returned when the quoted datagram is not UDP.
	ErrNotUDP = errors.New("quoted datagram is not UDP")

	// ErrQuoteTruncated is returned when the quoted datagram is too short
	// to identify the flow.
	ErrQuoteTruncated = errors.New("quoted datagram truncated")
)

// Effect is what a notification means for the sending endpoint.
type Effect int

const (
	EffectIgnore Effect = iota
	EffectAdvisory
	EffectPathMTU
	EffectFatal
)

// String returns a human-readable name for the effect.
func (e Effect) String() string {
	switch e {
	case EffectIgnore:
		return "ignore"
	case EffectAdvisory:
		return "advisory"
	case EffectPathMTU:
		return "path_mtu"
	case EffectFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Notification is a decoded ICMP error about a UDP datagram this node sent.
// Src and SrcPort identify the local endpoint, Dst and DstPort the peer.
type Notification struct {
	Version int
	Type    int
	Code    int

	// MTU is set for packet too big and fragmentation needed.
	MTU int

	// Pointer is the parameter problem pointer into the quoted datagram.
	Pointer int

	// NextHeaderOffset is the offset in the quoted datagram of the byte
	// that names UDP as the next protocol.
	NextHeaderOffset int

	Src       netip.Addr
	Dst       netip.Addr
	SrcPort   uint16
	DstPort   uint16
	FlowLabel uint32
}

// Parse decodes msg, an ICMP (version 4) or ICMPv6 (version 6) message.
func Parse(version int, msg []byte) (*Notification, error) {
	var proto int
	switch version {
	case 4:
		proto = header.ProtocolICMP
	case 6:
		proto = header.ProtocolICMPv6
	default:
		return nil, fmt.Errorf("unsupported IP version %d", version)
	}

	m, err := icmp.ParseMessage(proto, msg)
	if err != nil {
		return nil, fmt.Errorf("parse ICMP: %w", err)
	}

	n := &Notification{Version: version, Code: m.Code}
	var quoted []byte

	switch body := m.Body.(type) {
	case *icmp.DstUnreach:
		quoted = body.Data
		if version == 4 && m.Code == codeV4FragmentationNeeded && len(msg) >= 8 {
			n.MTU = int(binary.BigEndian.Uint16(msg[6:8]))
		}
	case *icmp.PacketTooBig:
		quoted = body.Data
		n.MTU = body.MTU
	case *icmp.ParamProb:
		quoted = body.Data
		n.Pointer = int(body.Pointer)
	case *icmp.TimeExceeded:
		quoted = body.Data
	default:
		return nil, fmt.Errorf("%w: %v", ErrNotError, m.Type)
	}

	switch t := m.Type.(type) {
	case ipv4.ICMPType:
		n.Type = int(t)
	case ipv6.ICMPType:
		n.Type = int(t)
	}

	if err := n.parseQuoted(quoted); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Notification) parseQuoted(b []byte) error {
	var off int
	switch n.Version {
	case 4:
		h, err := header.ParseIPv4(b)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrQuoteTruncated, err)
		}
		if h.Protocol != header.ProtocolUDP {
			return ErrNotUDP
		}
		n.Src, n.Dst = h.Src, h.Dst
		n.NextHeaderOffset = 9
		off = h.Len()

	case 6:
		h, err := header.ParseIPv6(b)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrQuoteTruncated, err)
		}
		ext, proto, o, err := header.ParseExtensions(b, h.NextHeader)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrQuoteTruncated, err)
		}
		if proto != header.ProtocolUDP {
			return ErrNotUDP
		}
		n.Src, n.FlowLabel = h.Src, h.FlowLabel
		n.Dst = ext.Routing.FinalDestination(h.Dst)
		n.NextHeaderOffset = 6
		if o > header.IPv6FixedSize {
			n.NextHeaderOffset = lastExtensionOffset(b, h.NextHeader)
		}
		off = o
	}

	if len(b) < off+4 {
		return ErrQuoteTruncated
	}
	n.SrcPort = binary.BigEndian.Uint16(b[off:])
	n.DstPort = binary.BigEndian.Uint16(b[off+2:])
	return nil
}

// lastExtensionOffset returns the offset of the last extension header in
// the chain, whose first byte names the upper-layer protocol.
func lastExtensionOffset(b []byte, next uint8) int {
	off, last := header.IPv6FixedSize, 6
	for next == header.ProtocolHopByHop || next == header.ProtocolRouting || next == header.ProtocolDstOptions {
		if off+2 > len(b) {
			break
		}
		last = off
		next = b[off]
		off += header.ExtensionLen(b[off:])
	}
	return last
}

// Effect classifies the notification. For EffectFatal the returned errno
// is the error to report.
func (n *Notification) Effect() (Effect, syscall.Errno) {
	switch n.Version {
	case 4:
		if n.Type != int(ipv4.ICMPTypeDestinationUnreachable) {
			return EffectIgnore, 0
		}
		switch n.Code {
		case codeV4PortUnreachable, codeV4ProtocolUnreachable:
			return EffectFatal, errno.ECONNREFUSED
		case codeV4FragmentationNeeded:
			return EffectAdvisory, 0
		}
		return EffectIgnore, 0

	case 6:
		switch ipv6.ICMPType(n.Type) {
		case ipv6.ICMPTypeDestinationUnreachable:
			if n.Code == codeV6PortUnreachable {
				return EffectFatal, errno.ECONNREFUSED
			}
		case ipv6.ICMPTypePacketTooBig:
			return EffectPathMTU, 0
		case ipv6.ICMPTypeParameterProblem:
			if n.Code == codeV6UnrecognizedNext && n.Pointer == n.NextHeaderOffset {
				return EffectFatal, errno.ECONNREFUSED
			}
		}
	}
	return EffectIgnore, 0
}

// Local returns the address and port of the endpoint that sent the quoted datagram.
func (n *Notification) Local() netip.AddrPort {
	return netip.AddrPortFrom(n.Src, n.SrcPort)
}

// Peer returns the destination of the quoted datagram.
func (n *Notification) Peer() netip.AddrPort {
	return netip.AddrPortFrom(n.Dst, n.DstPort)
}
