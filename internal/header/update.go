package header

import (
	"fmt"
	"net/netip"

	nsheader "github.com/google/netstack/tcpip/header"
)

// UpdateSource writes src into the source field of an assembled IPv4 or
// IPv6 UDP datagram and adjusts the IP header checksum (IPv4) and the UDP
// checksum to match. A zero IPv4 UDP checksum means "none" and stays zero.
// The IP layer uses this when it picks a source for a datagram built with
// an unspecified one.
func UpdateSource(datagram []byte, src netip.Addr) error {
	switch Version(datagram) {
	case 4:
		h, err := ParseIPv4(datagram)
		if err != nil {
			return err
		}
		if !src.Unmap().Is4() {
			return fmt.Errorf("IPv4 datagram cannot take source %s", src)
		}
		old := [4]byte(datagram[12:16])
		nw := src.Unmap().As4()
		copy(datagram[12:16], nw[:])
		nsheader.IPv4(datagram).SetChecksum(UpdateChecksum(h.Checksum, old[:], nw[:]))

		hlen := h.Len()
		if h.Protocol != ProtocolUDP || len(datagram) < hlen+UDPSize {
			return nil
		}
		udp := datagram[hlen:]
		if c := nsheader.UDP(udp).Checksum(); c != 0 {
			c = UpdateChecksum(c, old[:], nw[:])
			if c == 0 {
				c = 0xffff
			}
			SetUDPChecksum(udp, c)
		}
		return nil

	case 6:
		h, err := ParseIPv6(datagram)
		if err != nil {
			return err
		}
		old := [16]byte(datagram[8:24])
		nw := src.As16()
		copy(datagram[8:24], nw[:])

		_, proto, off, err := ParseExtensions(datagram, h.NextHeader)
		if err != nil || proto != ProtocolUDP || len(datagram) < off+UDPSize {
			return err
		}
		udp := datagram[off:]
		c := UpdateChecksum(nsheader.UDP(udp).Checksum(), old[:], nw[:])
		if c == 0 {
			c = 0xffff
		}
		SetUDPChecksum(udp, c)
		return nil

	default:
		return ErrVersion
	}
}
