//go:build linux

package udp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	LevelSocket AncillaryLevel = unix.SOL_SOCKET
	LevelIP     AncillaryLevel = unix.IPPROTO_IP
	LevelIPv6   AncillaryLevel = unix.IPPROTO_IPV6
)

// Marshal serializes the items as a socket control message buffer, one
// cmsghdr per item.
func (a Ancillary) Marshal() []byte {
	size := 0
	for _, it := range a {
		size += unix.CmsgSpace(len(it.Data))
	}
	b := make([]byte, size)
	off := 0
	for _, it := range a {
		h := (*unix.Cmsghdr)(unsafe.Pointer(&b[off]))
		h.Level = int32(it.Level)
		h.Type = int32(it.Type)
		h.SetLen(unix.CmsgLen(len(it.Data)))
		copy(b[off+unix.CmsgLen(0):], it.Data)
		off += unix.CmsgSpace(len(it.Data))
	}
	return b
}

// ParseAncillary decodes the output of Marshal.
func ParseAncillary(b []byte) (Ancillary, error) {
	msgs, err := unix.ParseSocketControlMessage(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAncillaryTruncated, err)
	}
	out := make(Ancillary, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, AncillaryItem{
			Level: AncillaryLevel(m.Header.Level),
			Type:  AncillaryType(m.Header.Type),
			Data:  append([]byte(nil), m.Data...),
		})
	}
	return out, nil
}

// rawBytes copies the memory of v.
func rawBytes[T any](v *T) []byte {
	return append([]byte(nil), unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))...)
}

// fromRaw fills a T from b, which must hold at least its size.
func fromRaw[T any](b []byte) (T, bool) {
	var v T
	n := int(unsafe.Sizeof(v))
	if len(b) < n {
		return v, false
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&v)), n), b)
	return v, true
}

func credentialsData(c *Credentials) []byte {
	msgs, err := unix.ParseSocketControlMessage(unix.UnixCredentials(&unix.Ucred{
		Pid: c.PID,
		Uid: c.UID,
		Gid: c.GID,
	}))
	if err != nil || len(msgs) != 1 {
		return nil
	}
	return append([]byte(nil), msgs[0].Data...)
}

func parseCredentials(b []byte) (*Credentials, bool) {
	uc, err := unix.ParseUnixCredentials(&unix.SocketControlMessage{
		Header: unix.Cmsghdr{Level: unix.SOL_SOCKET, Type: unix.SCM_CREDENTIALS},
		Data:   b,
	})
	if err != nil {
		return nil, false
	}
	return &Credentials{UID: uc.Uid, GID: uc.Gid, PID: uc.Pid}, true
}

func timestampData(t time.Time) []byte {
	ts := unix.NsecToTimespec(t.UnixNano())
	return rawBytes(&ts)
}

func parseTimestamp(b []byte) (time.Time, bool) {
	ts, ok := fromRaw[unix.Timespec](b)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(ts.Unix()), true
}

func pktInfo4Data(ifindex uint32, dst [4]byte) []byte {
	return rawBytes(&unix.Inet4Pktinfo{Ifindex: int32(ifindex), Spec_dst: dst, Addr: dst})
}

func parsePktInfo4(b []byte) (uint32, netip.Addr, bool) {
	pi, ok := fromRaw[unix.Inet4Pktinfo](b)
	if !ok {
		return 0, netip.Addr{}, false
	}
	return uint32(pi.Ifindex), netip.AddrFrom4(pi.Addr), true
}

func pktInfo6Data(ifindex uint32, dst [16]byte) []byte {
	return rawBytes(&unix.Inet6Pktinfo{Addr: dst, Ifindex: ifindex})
}

func parsePktInfo6(b []byte) (uint32, netip.Addr, bool) {
	pi, ok := fromRaw[unix.Inet6Pktinfo](b)
	if !ok {
		return 0, netip.Addr{}, false
	}
	return pi.Ifindex, netip.AddrFrom16(pi.Addr), true
}

// pathMTUData encodes a path MTU notice as struct ip6_mtuinfo.
func pathMTUData(dst [16]byte, port uint16, mtu uint32) []byte {
	info := unix.IPv6MTUInfo{
		Addr: unix.RawSockaddrInet6{Family: unix.AF_INET6, Addr: dst},
		Mtu:  mtu,
	}
	binary.BigEndian.PutUint16((*[2]byte)(unsafe.Pointer(&info.Addr.Port))[:], port)
	return rawBytes(&info)
}

func parsePathMTU(b []byte) (netip.AddrPort, uint32, bool) {
	info, ok := fromRaw[unix.IPv6MTUInfo](b)
	if !ok || info.Addr.Family != unix.AF_INET6 {
		return netip.AddrPort{}, 0, false
	}
	port := binary.BigEndian.Uint16((*[2]byte)(unsafe.Pointer(&info.Addr.Port))[:])
	return netip.AddrPortFrom(netip.AddrFrom16(info.Addr.Addr), port), info.Mtu, true
}
