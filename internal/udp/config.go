package udp

import (
	"fmt"
	"strings"
)

// Options holds the engine-wide settings consumed when a Stack is created.
type Options struct {
	// BindBuckets is the number of bind table buckets.
	BindBuckets int

	// Checksum enables UDP checksums on outbound IPv4 datagrams. IPv6
	// datagrams are always checksummed.
	Checksum bool

	// VerifyChecksum drops inbound datagrams whose checksum is wrong.
	VerifyChecksum bool

	// TTL is the default IPv4 time to live.
	TTL uint8

	// HopLimit is the default IPv6 unicast hop limit.
	HopLimit uint8

	// MulticastTTL is the default multicast TTL and hop limit.
	MulticastTTL uint8

	// SendHiwat, SendLowat and RecvHiwat are the default flow
	// watermarks in bytes. MaxBuf caps what an endpoint may set.
	SendHiwat int
	SendLowat int
	RecvHiwat int
	MaxBuf    int

	// DisjointFamilyPorts lets an explicit bind to a port succeed when the
	// only holder of that port uses the other IP version. Only the first
	// attempt is exempt; anonymous searches always treat the port space as
	// shared.
	DisjointFamilyPorts bool

	// DropLogRate limits drop diagnostics to this many records per second.
	DropLogRate float64
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		BindBuckets:         512,
		Checksum:            true,
		VerifyChecksum:      true,
		TTL:                 255,
		HopLimit:            255,
		MulticastTTL:        1,
		SendHiwat:           57344,
		SendLowat:           1024,
		RecvHiwat:           57344,
		MaxBuf:              2 << 20,
		DisjointFamilyPorts: true,
		DropLogRate:         10,
	}
}

// Validate checks the options for consistency.
func (o Options) Validate() error {
	var errs []string

	if o.BindBuckets < 1 {
		errs = append(errs, "bind buckets must be positive")
	}
	if o.MaxBuf < 1 {
		errs = append(errs, "max buffer must be positive")
	}
	if o.SendHiwat < 0 || o.SendHiwat > o.MaxBuf {
		errs = append(errs, fmt.Sprintf("send high watermark %d outside [0, %d]", o.SendHiwat, o.MaxBuf))
	}
	if o.RecvHiwat < 0 || o.RecvHiwat > o.MaxBuf {
		errs = append(errs, fmt.Sprintf("receive high watermark %d outside [0, %d]", o.RecvHiwat, o.MaxBuf))
	}
	if o.SendLowat < 0 || o.SendLowat > o.SendHiwat {
		errs = append(errs, "send low watermark must be between 0 and the send high watermark")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid engine options: %s", strings.Join(errs, "; "))
	}
	return nil
}
