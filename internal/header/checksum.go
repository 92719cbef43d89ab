package header

import (
	"net/netip"

	"github.com/google/netstack/tcpip"
	nsheader "github.com/google/netstack/tcpip/header"
)

// Checksum returns the Internet checksum of b.
func Checksum(b []byte) uint16 {
	return ^nsheader.Checksum(b, 0)
}

// tcpipAddrs converts src and dst for the pseudo-header. IPv4 and
// IPv4-mapped pairs use the four byte form.
func tcpipAddrs(src, dst netip.Addr) (tcpip.Address, tcpip.Address) {
	if src.Unmap().Is4() && dst.Unmap().Is4() {
		s, d := addr4(src), addr4(dst)
		return tcpip.Address(s[:]), tcpip.Address(d[:])
	}
	s, d := src.As16(), dst.As16()
	return tcpip.Address(s[:]), tcpip.Address(d[:])
}

// pseudoHeaderSum returns the folded, uncomplemented sum of the UDP
// pseudo-header for a segment of length bytes.
func pseudoHeaderSum(src, dst netip.Addr, length int) uint16 {
	s, d := tcpipAddrs(src, dst)
	return nsheader.PseudoHeaderChecksum(nsheader.UDPProtocolNumber, s, d, uint16(length))
}

// UDPChecksum returns the checksum to store in a UDP header for segment,
// the UDP header plus payload, with its checksum field treated as zero.
// A result of zero is transmitted as all ones.
func UDPChecksum(src, dst netip.Addr, segment []byte) uint16 {
	xsum := pseudoHeaderSum(src, dst, len(segment))
	xsum = nsheader.Checksum(segment[:6], xsum)
	xsum = nsheader.Checksum(segment[UDPSize:], xsum)
	c := ^xsum
	if c == 0 {
		c = 0xffff
	}
	return c
}

// VerifyUDPChecksum reports whether the checksum stored in segment is
// consistent with src and dst.
func VerifyUDPChecksum(src, dst netip.Addr, segment []byte) bool {
	if len(segment) < UDPSize {
		return false
	}
	return nsheader.UDP(segment).CalculateChecksum(pseudoHeaderSum(src, dst, len(segment))) == 0xffff
}

// UpdateChecksum adjusts check for a field changing from old to new
// (RFC 1624, eqn. 3). Both slices must have the same even length.
func UpdateChecksum(check uint16, old, new []byte) uint16 {
	inv := make([]byte, len(old))
	for i, b := range old {
		inv[i] = ^b
	}
	xsum := nsheader.Checksum(inv, ^check)
	return ^nsheader.Checksum(new, xsum)
}
