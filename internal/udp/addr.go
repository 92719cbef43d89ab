package udp

import (
	"net/netip"
)

// Family is the address family an endpoint was opened with.
type Family int

const (
	FamilyIPv4 Family = 4
	FamilyIPv6 Family = 6
)

// String returns a human-readable name for the family.
func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "inet"
	case FamilyIPv6:
		return "inet6"
	default:
		return "unknown"
	}
}

// Zone identifies an isolation domain. Endpoints in different zones never
// conflict and never see each other's traffic.
type Zone uint32

// AllZones matches every zone.
const AllZones Zone = ^Zone(0)

func zoneMatch(a, b Zone) bool {
	return a == b || a == AllZones || b == AllZones
}

// Credentials identify the process acting on an endpoint.
type Credentials struct {
	UID        uint32
	GID        uint32
	PID        int32
	Privileged bool
}

// AddressType is the IP layer's view of a local address.
type AddressType int

const (
	AddressNotLocal AddressType = iota
	AddressLocal
	AddressBroadcast
	AddressMulticast
)

// String returns a human-readable name for the address type.
func (t AddressType) String() string {
	switch t {
	case AddressNotLocal:
		return "not_local"
	case AddressLocal:
		return "local"
	case AddressBroadcast:
		return "broadcast"
	case AddressMulticast:
		return "multicast"
	default:
		return "unknown"
	}
}

// PacketInfo selects the source address and outgoing interface of a
// datagram. A zero field leaves the choice to the IP layer.
type PacketInfo struct {
	Addr    netip.Addr
	IfIndex uint32
}

// Destination names where a datagram goes. IPv4 addresses may be given in
// 4-byte or IPv4-mapped form.
type Destination struct {
	Addr      netip.Addr
	Port      uint16
	FlowLabel uint32
}

// target is a destination resolved once for one endpoint: the address in
// canonical 16-byte form and the IP version that will carry it.
type target struct {
	version  int
	addr     netip.Addr
	port     uint16
	flowinfo uint32
}

func (t target) addrPort() netip.AddrPort {
	return netip.AddrPortFrom(t.addr, t.port)
}

var (
	v4Unspecified = canon(netip.IPv4Unspecified())
	v6Unspecified = netip.IPv6Unspecified()
	v4Loopback    = canon(netip.AddrFrom4([4]byte{127, 0, 0, 1}))
	v6Loopback    = netip.IPv6Loopback()
	v4Broadcast   = canon(netip.AddrFrom4([4]byte{255, 255, 255, 255}))
)

// canon returns a in 16-byte form without zone. An invalid address maps to
// the IPv6 unspecified address.
func canon(a netip.Addr) netip.Addr {
	if !a.IsValid() {
		return v6Unspecified
	}
	return netip.AddrFrom16(a.As16())
}

// isAny reports whether a is a wildcard address of either version.
func isAny(a netip.Addr) bool {
	return !a.IsValid() || a.IsUnspecified() || a.Unmap().IsUnspecified()
}

// is4 reports whether a is an IPv4 or IPv4-mapped address.
func is4(a netip.Addr) bool {
	return a.Unmap().Is4()
}

func versionOf(a netip.Addr) int {
	if is4(a) {
		return 4
	}
	return 6
}

// external converts a canonical address to the form an endpoint of the
// given family reports: plain IPv4 for IPv4 endpoints, 16-byte otherwise.
func external(a netip.Addr, f Family) netip.Addr {
	if f == FamilyIPv4 {
		return a.Unmap()
	}
	return a
}

func loopbackFor(version int) netip.Addr {
	if version == 4 {
		return v4Loopback
	}
	return v6Loopback
}

func unspecifiedFor(version int) netip.Addr {
	if version == 4 {
		return v4Unspecified
	}
	return v6Unspecified
}

func isMulticastOrBroadcast(a netip.Addr) bool {
	return a.Unmap().IsMulticast() || a == v4Broadcast
}
