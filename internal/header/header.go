// Package header encodes and decodes the IPv4, IPv6 and UDP headers
// handled by the datagram engine.
//
// All encoders write into caller-owned buffers; nothing here retains a
// reference to its input.
package header

import (
	"errors"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Protocol and extension header numbers.
const (
	ProtocolICMP       = 1
	ProtocolUDP        = 17
	ProtocolICMPv6     = 58
	ProtocolHopByHop   = 0
	ProtocolRouting    = 43
	ProtocolFragment   = 44
	ProtocolNoNext     = 59
	ProtocolDstOptions = 60
)

// Sizes in bytes.
const (
	IPv4MinimumSize   = ipv4.HeaderLen
	IPv4MaximumSize   = 60
	IPv4MaxOptionSize = IPv4MaximumSize - IPv4MinimumSize
	IPv6FixedSize     = ipv6.HeaderLen
	UDPSize           = 8

	// MaxPacketSize is the largest value an IP length field can hold.
	MaxPacketSize = 65535
)

var (
	// ErrTruncated is returned when a buffer is shorter than the header it
	// claims to hold.
	ErrTruncated = errors.New("header truncated")

	// ErrVersion is returned when the IP version nibble is not the one expected.
	ErrVersion = errors.New("unexpected IP version")

	// ErrBadOptions is returned for malformed IPv4 options or IPv6
	// extension headers.
	ErrBadOptions = errors.New("malformed options")

	// ErrRoutingType is returned for a routing header type other than 0
	// with segments left.
	ErrRoutingType = errors.New("unsupported routing header type")

	// ErrTooLarge is returned when a datagram does not fit in the IP
	// length field.
	ErrTooLarge = errors.New("datagram exceeds maximum IP packet size")
)

// Version returns the IP version nibble of a raw datagram, or 0 for an
// empty buffer.
func Version(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	return int(b[0] >> 4)
}

// addr4 returns the four address bytes of a, which must be IPv4 or
// IPv4-mapped. Anything else yields 0.0.0.0.
func addr4(a netip.Addr) [4]byte {
	a = a.Unmap()
	if !a.Is4() {
		return [4]byte{}
	}
	return a.As4()
}
