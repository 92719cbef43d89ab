package header

import nsheader "github.com/google/netstack/tcpip/header"

// UDPHeader is the decoded UDP header.
type UDPHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

// Encode writes the header into b.
func (h *UDPHeader) Encode(b []byte) error {
	if len(b) < UDPSize {
		return ErrTruncated
	}
	nsheader.UDP(b).Encode(&nsheader.UDPFields{
		SrcPort:  h.SrcPort,
		DstPort:  h.DstPort,
		Length:   h.Length,
		Checksum: h.Checksum,
	})
	return nil
}

// ParseUDP decodes the UDP header at the start of b.
func ParseUDP(b []byte) (*UDPHeader, error) {
	if len(b) < UDPSize {
		return nil, ErrTruncated
	}
	u := nsheader.UDP(b)
	return &UDPHeader{
		SrcPort:  u.SourcePort(),
		DstPort:  u.DestinationPort(),
		Length:   u.Length(),
		Checksum: u.Checksum(),
	}, nil
}

// SetUDPChecksum stores c in the UDP header at the start of b.
func SetUDPChecksum(b []byte, c uint16) {
	nsheader.UDP(b).SetChecksum(c)
}
