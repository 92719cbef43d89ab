// Package chaos injects faults between the datagram engine and its IP
// layer: lost, corrupted, duplicated, delayed and refused datagrams.
package chaos

import (
	"math/rand"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"github.com/postalsys/udpengine/internal/udp"
)

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultDrop discards the datagram and reports success.
	FaultDrop FaultType = iota
	// FaultCorrupt flips one bit in the last byte of the datagram.
	FaultCorrupt
	// FaultDuplicate writes the datagram twice.
	FaultDuplicate
	// FaultDelay holds the sender before the datagram is written.
	FaultDelay
	// FaultError fails the write with EHOSTUNREACH.
	FaultError
)

// String returns a human-readable name for the fault type.
func (t FaultType) String() string {
	switch t {
	case FaultDrop:
		return "drop"
	case FaultCorrupt:
		return "corrupt"
	case FaultDuplicate:
		return "duplicate"
	case FaultDelay:
		return "delay"
	case FaultError:
		return "error"
	default:
		return "none"
	}
}

// noFault is returned by MaybeInject when nothing fires.
const noFault FaultType = -1

// FaultConfig configures fault injection behavior.
type FaultConfig struct {
	// Probability is the chance of fault injection (0.0 to 1.0).
	Probability float64

	// Type is the type of fault to inject.
	Type FaultType

	// MinDelay and MaxDelay bound the delay added by FaultDelay.
	MinDelay time.Duration
	MaxDelay time.Duration
}

// FaultInjector decides which fault, if any, applies to a datagram.
// Configurations are tried in order; the first that fires wins.
type FaultInjector struct {
	configs   []FaultConfig
	enabled   bool
	mu        sync.Mutex
	rng       *rand.Rand
	faultHits map[FaultType]int64
}

// NewFaultInjector creates a new fault injector.
func NewFaultInjector(configs ...FaultConfig) *FaultInjector {
	return &FaultInjector{
		configs:   configs,
		enabled:   true,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		faultHits: make(map[FaultType]int64),
	}
}

// Seed makes the injector deterministic.
func (f *FaultInjector) Seed(seed int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rng = rand.New(rand.NewSource(seed))
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

// Disable disables fault injection.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}

// IsEnabled returns whether fault injection is enabled.
func (f *FaultInjector) IsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// MaybeInject picks the fault for one datagram. The delay is nonzero only
// for FaultDelay.
func (f *FaultInjector) MaybeInject() (FaultType, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled {
		return noFault, 0
	}

	for _, c := range f.configs {
		if f.rng.Float64() >= c.Probability {
			continue
		}
		f.faultHits[c.Type]++
		if c.Type != FaultDelay {
			return c.Type, 0
		}
		d := c.MinDelay
		if c.MaxDelay > c.MinDelay {
			d += time.Duration(f.rng.Int63n(int64(c.MaxDelay - c.MinDelay)))
		}
		return FaultDelay, d
	}
	return noFault, 0
}

// GetStats returns the fault injection statistics.
func (f *FaultInjector) GetStats() map[FaultType]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := make(map[FaultType]int64, len(f.faultHits))
	for k, v := range f.faultHits {
		stats[k] = v
	}
	return stats
}

// Reset resets the fault injection statistics.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultHits = make(map[FaultType]int64)
}

// Network wraps a udp.NetworkLayer, applying the injector's faults to
// every datagram written through it. Address classification passes
// through unchanged.
type Network struct {
	next     udp.NetworkLayer
	injector *FaultInjector
	sleep    func(time.Duration)
}

// NewNetwork wraps next.
func NewNetwork(next udp.NetworkLayer, injector *FaultInjector) *Network {
	return &Network{next: next, injector: injector, sleep: time.Sleep}
}

// Injector returns the fault injector.
func (n *Network) Injector() *FaultInjector {
	return n.injector
}

// AddressType implements udp.NetworkLayer.
func (n *Network) AddressType(addr netip.Addr) udp.AddressType {
	return n.next.AddressType(addr)
}

// WritePacket implements udp.NetworkLayer.
func (n *Network) WritePacket(pkt *udp.OutboundPacket) error {
	fault, delay := n.injector.MaybeInject()
	switch fault {
	case FaultDrop:
		return nil
	case FaultError:
		return syscall.EHOSTUNREACH
	case FaultDelay:
		n.sleep(delay)
	case FaultCorrupt:
		if len(pkt.Data) > 0 {
			cp := *pkt
			cp.Data = append([]byte(nil), pkt.Data...)
			cp.Data[len(cp.Data)-1] ^= 0x01
			pkt = &cp
		}
	case FaultDuplicate:
		if err := n.next.WritePacket(pkt); err != nil {
			return err
		}
	}
	return n.next.WritePacket(pkt)
}
