//go:build !linux

package udp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"
)

const (
	LevelSocket AncillaryLevel = 0xffff
	LevelIP     AncillaryLevel = 0
	LevelIPv6   AncillaryLevel = 41
)

// ancHeaderSize matches a 64-bit cmsghdr: length, level and type.
const ancHeaderSize = 16

func alignAnc(n int) int {
	return (n + 7) &^ 7
}

// Marshal serializes the items in cmsghdr layout, each starting on an
// eight byte boundary.
func (a Ancillary) Marshal() []byte {
	size := 0
	for _, it := range a {
		size += alignAnc(ancHeaderSize + len(it.Data))
	}
	b := make([]byte, size)
	off := 0
	for _, it := range a {
		binary.NativeEndian.PutUint64(b[off:], uint64(ancHeaderSize+len(it.Data)))
		binary.NativeEndian.PutUint32(b[off+8:], uint32(it.Level))
		binary.NativeEndian.PutUint32(b[off+12:], uint32(it.Type))
		copy(b[off+ancHeaderSize:], it.Data)
		off += alignAnc(ancHeaderSize + len(it.Data))
	}
	return b
}

// ParseAncillary decodes the output of Marshal.
func ParseAncillary(b []byte) (Ancillary, error) {
	out := Ancillary{}
	for off := 0; off < len(b); {
		if len(b)-off < ancHeaderSize {
			return nil, ErrAncillaryTruncated
		}
		l := int(binary.NativeEndian.Uint64(b[off:]))
		if l < ancHeaderSize || off+l > len(b) {
			return nil, fmt.Errorf("%w: item of %d bytes at offset %d", ErrAncillaryTruncated, l, off)
		}
		out = append(out, AncillaryItem{
			Level: AncillaryLevel(binary.NativeEndian.Uint32(b[off+8:])),
			Type:  AncillaryType(binary.NativeEndian.Uint32(b[off+12:])),
			Data:  append([]byte(nil), b[off+ancHeaderSize:off+l]...),
		})
		off += alignAnc(l)
	}
	return out, nil
}

func credentialsData(c *Credentials) []byte {
	b := make([]byte, 12)
	binary.NativeEndian.PutUint32(b[0:], uint32(c.PID))
	binary.NativeEndian.PutUint32(b[4:], c.UID)
	binary.NativeEndian.PutUint32(b[8:], c.GID)
	return b
}

func parseCredentials(b []byte) (*Credentials, bool) {
	if len(b) != 12 {
		return nil, false
	}
	return &Credentials{
		PID: int32(binary.NativeEndian.Uint32(b[0:])),
		UID: binary.NativeEndian.Uint32(b[4:]),
		GID: binary.NativeEndian.Uint32(b[8:]),
	}, true
}

func timestampData(t time.Time) []byte {
	b := make([]byte, 16)
	binary.NativeEndian.PutUint64(b[0:], uint64(t.Unix()))
	binary.NativeEndian.PutUint64(b[8:], uint64(t.Nanosecond()))
	return b
}

func parseTimestamp(b []byte) (time.Time, bool) {
	if len(b) < 16 {
		return time.Time{}, false
	}
	return time.Unix(int64(binary.NativeEndian.Uint64(b[0:])), int64(binary.NativeEndian.Uint64(b[8:]))), true
}

func pktInfo4Data(ifindex uint32, dst [4]byte) []byte {
	b := binary.NativeEndian.AppendUint32(nil, ifindex)
	b = append(b, dst[:]...)
	return append(b, dst[:]...)
}

func parsePktInfo4(b []byte) (uint32, netip.Addr, bool) {
	if len(b) < 12 {
		return 0, netip.Addr{}, false
	}
	return binary.NativeEndian.Uint32(b), netip.AddrFrom4([4]byte(b[8:12])), true
}

func pktInfo6Data(ifindex uint32, dst [16]byte) []byte {
	return binary.NativeEndian.AppendUint32(dst[:], ifindex)
}

func parsePktInfo6(b []byte) (uint32, netip.Addr, bool) {
	if len(b) < 20 {
		return 0, netip.Addr{}, false
	}
	return binary.NativeEndian.Uint32(b[16:]), netip.AddrFrom16([16]byte(b[:16])), true
}

// pathMTUData encodes a path MTU notice in struct ip6_mtuinfo layout.
func pathMTUData(dst [16]byte, port uint16, mtu uint32) []byte {
	b := make([]byte, 32)
	binary.NativeEndian.PutUint16(b[0:], 10)
	binary.BigEndian.PutUint16(b[2:], port)
	copy(b[8:24], dst[:])
	binary.NativeEndian.PutUint32(b[28:], mtu)
	return b
}

func parsePathMTU(b []byte) (netip.AddrPort, uint32, bool) {
	if len(b) < 32 {
		return netip.AddrPort{}, 0, false
	}
	port := binary.BigEndian.Uint16(b[2:])
	return netip.AddrPortFrom(netip.AddrFrom16([16]byte(b[8:24])), port), binary.NativeEndian.Uint32(b[28:]), true
}
