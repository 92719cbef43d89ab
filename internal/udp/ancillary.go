package udp

import (
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// AncillaryLevel is the protocol level an ancillary item belongs to. The
// values are the host's socket option levels.
type AncillaryLevel uint32

// AncillaryType identifies an ancillary item within its level.
type AncillaryType uint32

const (
	AncDstAddr AncillaryType = iota + 1
	AncOptions
	AncPktInfo
	AncLinkAddr
	AncInterface
	AncCredentials
	AncTimestamp
	AncTTL
	AncHopLimit
	AncTrafficClass
	AncHopOpts
	AncRtHdr
	AncDstOpts
	AncPathMTU
)

// String returns a human-readable name for the item type.
func (t AncillaryType) String() string {
	switch t {
	case AncDstAddr:
		return "RECVDSTADDR"
	case AncOptions:
		return "RECVOPTS"
	case AncPktInfo:
		return "PKTINFO"
	case AncLinkAddr:
		return "RECVSLLA"
	case AncInterface:
		return "RECVIF"
	case AncCredentials:
		return "UCRED"
	case AncTimestamp:
		return "TIMESTAMP"
	case AncTTL:
		return "RECVTTL"
	case AncHopLimit:
		return "HOPLIMIT"
	case AncTrafficClass:
		return "TCLASS"
	case AncHopOpts:
		return "HOPOPTS"
	case AncRtHdr:
		return "RTHDR"
	case AncDstOpts:
		return "DSTOPTS"
	case AncPathMTU:
		return "PATHMTU"
	default:
		return "UNKNOWN"
	}
}

// AncillaryItem is one tagged block of ancillary data. Multi-byte integers
// in Data are in host byte order; items with a kernel counterpart (pktinfo,
// credentials, timestamps, path MTU) use the kernel's structure layout.
type AncillaryItem struct {
	Level AncillaryLevel
	Type  AncillaryType
	Data  []byte
}

// Ancillary is the ordered list of items delivered with a message.
type Ancillary []AncillaryItem

// ErrAncillaryTruncated is returned by ParseAncillary for a short buffer.
var ErrAncillaryTruncated = errors.New("ancillary data truncated")

// Find returns the data of the first item with the given level and type.
func (a Ancillary) Find(level AncillaryLevel, typ AncillaryType) ([]byte, bool) {
	for _, it := range a {
		if it.Level == level && it.Type == typ {
			return it.Data, true
		}
	}
	return nil, false
}

// Types returns the item types in order.
func (a Ancillary) Types() []AncillaryType {
	out := make([]AncillaryType, len(a))
	for i, it := range a {
		out[i] = it.Type
	}
	return out
}

func u32(v uint32) []byte {
	return binary.NativeEndian.AppendUint32(nil, v)
}

// buildAncillary returns the items enabled on ep for datagram d, in a fixed
// order for the endpoint's family. The caller holds ep.mu.
func (ep *Endpoint) buildAncillary(d *datagram, pkt *InboundPacket, now time.Time) Ancillary {
	flags := ep.opts.recvFlags
	if flags == 0 {
		return nil
	}
	ts := pkt.Timestamp
	if ts.IsZero() {
		ts = now
	}

	var a Ancillary
	add := func(level AncillaryLevel, typ AncillaryType, data []byte) {
		a = append(a, AncillaryItem{Level: level, Type: typ, Data: data})
	}

	if ep.family == FamilyIPv4 {
		dst := d.dst.Unmap().As4()
		if flags&recvDstAddr != 0 {
			add(LevelIP, AncDstAddr, dst[:])
		}
		if flags&recvOpts != 0 && len(d.ipOptions) > 0 {
			add(LevelIP, AncOptions, append([]byte(nil), d.ipOptions...))
		}
		if flags&recvPktInfo != 0 {
			add(LevelIP, AncPktInfo, pktInfo4Data(pkt.IfIndex, dst))
		}
		if flags&recvLinkAddr != 0 && len(pkt.LinkAddr) > 0 {
			add(LevelIP, AncLinkAddr, append([]byte(nil), pkt.LinkAddr...))
		}
		if flags&recvIf != 0 {
			add(LevelIP, AncInterface, u32(pkt.IfIndex))
		}
		if flags&recvUcred != 0 && pkt.Cred != nil {
			add(LevelSocket, AncCredentials, credentialsData(pkt.Cred))
		}
		if flags&recvTimestamp != 0 {
			add(LevelSocket, AncTimestamp, timestampData(ts))
		}
		if flags&recvTTL != 0 {
			add(LevelIP, AncTTL, []byte{d.ttl})
		}
		return a
	}

	if flags&recvPktInfo != 0 {
		add(LevelIPv6, AncPktInfo, pktInfo6Data(pkt.IfIndex, d.dst.As16()))
	}
	if flags&recvHopLimit != 0 {
		add(LevelIPv6, AncHopLimit, u32(uint32(d.ttl)))
	}
	if flags&recvTClass != 0 {
		add(LevelIPv6, AncTrafficClass, u32(uint32(d.tclass)))
	}
	if flags&recvHopOpts != 0 && len(d.ext.HopByHop) > 0 {
		add(LevelIPv6, AncHopOpts, append([]byte(nil), d.ext.HopByHop...))
	}
	if flags&recvRtDstOpts != 0 && len(d.ext.RoutingDstOpts) > 0 {
		add(LevelIPv6, AncDstOpts, append([]byte(nil), d.ext.RoutingDstOpts...))
	}
	if flags&recvRtHdr != 0 && len(d.ext.Routing) > 0 {
		add(LevelIPv6, AncRtHdr, append([]byte(nil), d.ext.Routing...))
	}
	if flags&recvDstOpts != 0 && len(d.ext.DstOpts) > 0 {
		add(LevelIPv6, AncDstOpts, append([]byte(nil), d.ext.DstOpts...))
	}
	if flags&recvUcred != 0 && pkt.Cred != nil {
		add(LevelSocket, AncCredentials, credentialsData(pkt.Cred))
	}
	if flags&recvTimestamp != 0 {
		add(LevelSocket, AncTimestamp, timestampData(ts))
	}
	return a
}

// Credentials returns the sender credentials item, if present.
func (a Ancillary) Credentials() (*Credentials, bool) {
	b, ok := a.Find(LevelSocket, AncCredentials)
	if !ok {
		return nil, false
	}
	return parseCredentials(b)
}

// Timestamp returns the receive time item, if present.
func (a Ancillary) Timestamp() (time.Time, bool) {
	b, ok := a.Find(LevelSocket, AncTimestamp)
	if !ok {
		return time.Time{}, false
	}
	return parseTimestamp(b)
}

// PathMTU returns the destination and MTU of a path MTU notice.
func (a Ancillary) PathMTU() (netip.AddrPort, uint32, bool) {
	b, ok := a.Find(LevelIPv6, AncPathMTU)
	if !ok {
		return netip.AddrPort{}, 0, false
	}
	return parsePathMTU(b)
}

// IPv4ControlMessage collects the IPv4 level items into the form used by
// golang.org/x/net/ipv4 packet connections.
func (a Ancillary) IPv4ControlMessage() *ipv4.ControlMessage {
	cm := &ipv4.ControlMessage{}
	for _, it := range a {
		if it.Level != LevelIP {
			continue
		}
		switch it.Type {
		case AncTTL:
			if len(it.Data) > 0 {
				cm.TTL = int(it.Data[0])
			}
		case AncDstAddr:
			cm.Dst = net.IP(append([]byte(nil), it.Data...))
		case AncInterface:
			if len(it.Data) >= 4 {
				cm.IfIndex = int(binary.NativeEndian.Uint32(it.Data))
			}
		case AncPktInfo:
			if ifindex, dst, ok := parsePktInfo4(it.Data); ok {
				cm.IfIndex = int(ifindex)
				cm.Dst = net.IP(dst.AsSlice())
			}
		}
	}
	return cm
}

// IPv6ControlMessage collects the IPv6 level items into the form used by
// golang.org/x/net/ipv6 packet connections.
func (a Ancillary) IPv6ControlMessage() *ipv6.ControlMessage {
	cm := &ipv6.ControlMessage{}
	for _, it := range a {
		if it.Level != LevelIPv6 {
			continue
		}
		switch it.Type {
		case AncTrafficClass:
			if len(it.Data) >= 4 {
				cm.TrafficClass = int(binary.NativeEndian.Uint32(it.Data))
			}
		case AncHopLimit:
			if len(it.Data) >= 4 {
				cm.HopLimit = int(binary.NativeEndian.Uint32(it.Data))
			}
		case AncPktInfo:
			if ifindex, dst, ok := parsePktInfo6(it.Data); ok {
				cm.IfIndex = int(ifindex)
				cm.Dst = net.IP(dst.AsSlice())
			}
		case AncPathMTU:
			if _, mtu, ok := parsePathMTU(it.Data); ok {
				cm.MTU = int(mtu)
			}
		}
	}
	return cm
}
