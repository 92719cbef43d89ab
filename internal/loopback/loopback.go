// Package loopback is an in-memory IP layer for the datagram engine.
//
// Every datagram written by the engine is queued in a ring buffer and
// handed back to the same engine by a single delivery goroutine, the way
// a host loops traffic addressed to itself. Datagrams to unbound ports can
// be answered with an ICMP port unreachable, which is fed to the engine's
// control path.
package loopback

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/postalsys/udpengine/internal/header"
	"github.com/postalsys/udpengine/internal/logging"
	"github.com/postalsys/udpengine/internal/metrics"
	"github.com/postalsys/udpengine/internal/recovery"
	"github.com/postalsys/udpengine/internal/udp"
)

// frameHeaderSize is the per-datagram overhead in the queue: payload
// length followed by the zone.
const frameHeaderSize = 8

// MinQueueSize is the smallest accepted queue capacity.
const MinQueueSize = 64 << 10

// Quote limits for generated ICMP errors, from the minimum MTUs.
const (
	maxQuote4 = 576 - header.IPv4MinimumSize - 8
	maxQuote6 = 1280 - header.IPv6FixedSize - 8
)

// ErrNotStarted is returned by WritePacket before Start.
var ErrNotStarted = errors.New("loopback not started")

// Config configures a Network.
type Config struct {
	// Addresses are the local unicast addresses. 127.0.0.1 and ::1 are
	// always local.
	Addresses []netip.Addr

	// QueueSize is the ring buffer capacity in bytes.
	QueueSize int

	// PortUnreachable answers datagrams to unbound unicast ports with an
	// ICMP port unreachable.
	PortUnreachable bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns a Config for the host loopback addresses.
func DefaultConfig() Config {
	return Config{
		Addresses:       []netip.Addr{netip.MustParseAddr("127.0.0.1"), netip.IPv6Loopback()},
		QueueSize:       1 << 20,
		PortUnreachable: true,
	}
}

// Network implements udp.NetworkLayer over an in-memory queue.
type Network struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	local   map[netip.Addr]struct{}
	first4  netip.Addr
	first6  netip.Addr

	mu    sync.Mutex
	queue *ringbuffer.RingBuffer
	stack *udp.Stack

	ready    chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	running  atomic.Bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a Network. Call Start once the stack exists.
func New(cfg Config) (*Network, error) {
	if cfg.QueueSize < MinQueueSize {
		return nil, fmt.Errorf("queue size %d below minimum %d", cfg.QueueSize, MinQueueSize)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	}

	n := &Network{
		cfg:     cfg,
		logger:  logging.WithComponent(logger, "loopback"),
		metrics: m,
		local:   make(map[netip.Addr]struct{}),
		queue:   ringbuffer.New(cfg.QueueSize),
		ready:   make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}

	addrs := append([]netip.Addr{netip.MustParseAddr("127.0.0.1"), netip.IPv6Loopback()}, cfg.Addresses...)
	for _, a := range addrs {
		a = a.Unmap()
		if !a.IsValid() || a.IsUnspecified() || a.IsMulticast() {
			return nil, fmt.Errorf("invalid local address %s", a)
		}
		n.local[a] = struct{}{}
	}
	// Configured addresses take precedence as sources over the loopbacks.
	for _, a := range append(append([]netip.Addr(nil), cfg.Addresses...), addrs[:2]...) {
		a = a.Unmap()
		if a.Is4() && !n.first4.IsValid() {
			n.first4 = a
		}
		if a.Is6() && !n.first6.IsValid() {
			n.first6 = a
		}
	}
	return n, nil
}

// Start begins delivering queued datagrams to s.
func (n *Network) Start(s *udp.Stack) error {
	if s == nil {
		return fmt.Errorf("nil stack")
	}
	if !n.running.CompareAndSwap(false, true) {
		return fmt.Errorf("loopback already running")
	}
	n.mu.Lock()
	n.stack = s
	n.mu.Unlock()

	go n.deliverLoop()

	n.logger.Info("loopback started",
		logging.KeyCount, len(n.local),
		"queue_size", n.cfg.QueueSize)
	return nil
}

// Close stops the delivery goroutine. Queued datagrams are discarded.
func (n *Network) Close(ctx context.Context) error {
	n.stopOnce.Do(func() {
		close(n.stopCh)
	})
	if !n.running.Load() {
		return nil
	}
	select {
	case <-n.done:
		n.logger.Info("loopback stopped",
			"delivered", n.delivered.Load(),
			"dropped", n.dropped.Load())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddressType implements udp.NetworkLayer.
func (n *Network) AddressType(addr netip.Addr) udp.AddressType {
	a := addr.Unmap()
	switch {
	case a.IsMulticast():
		return udp.AddressMulticast
	case a == netip.AddrFrom4([4]byte{255, 255, 255, 255}):
		return udp.AddressBroadcast
	case a.Is4() && a.As4()[0] == 127:
		return udp.AddressLocal
	}
	if _, ok := n.local[a]; ok {
		return udp.AddressLocal
	}
	return udp.AddressNotLocal
}

// WritePacket implements udp.NetworkLayer.
func (n *Network) WritePacket(pkt *udp.OutboundPacket) error {
	if !n.running.Load() {
		return ErrNotStarted
	}
	select {
	case <-n.stopCh:
		return syscall.ENETDOWN
	default:
	}

	if n.AddressType(pkt.Dst) == udp.AddressNotLocal {
		n.dropped.Add(1)
		return syscall.ENETUNREACH
	}

	data := append([]byte(nil), pkt.Data...)
	if !pkt.Src.IsValid() || pkt.Src.Unmap().IsUnspecified() {
		if err := header.UpdateSource(data, n.sourceFor(pkt.Version, pkt.Dst)); err != nil {
			return fmt.Errorf("set source: %w", err)
		}
	}

	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:], uint32(len(data)))
	binary.BigEndian.PutUint32(hdr[4:], uint32(pkt.Zone))

	n.mu.Lock()
	if n.queue.Free() < frameHeaderSize+len(data) {
		n.mu.Unlock()
		n.dropped.Add(1)
		n.metrics.RecordLoopbackDrop()
		return syscall.ENOBUFS
	}
	// Free space was checked under the lock, so neither write is short.
	_, _ = n.queue.Write(hdr[:])
	_, _ = n.queue.Write(data)
	queued := n.queue.Length()
	n.mu.Unlock()

	n.metrics.SetLoopbackQueued(queued)
	select {
	case n.ready <- struct{}{}:
	default:
	}
	return nil
}

// sourceFor picks a local source for a datagram to dst.
func (n *Network) sourceFor(version int, dst netip.Addr) netip.Addr {
	d := dst.Unmap()
	if n.AddressType(d) == udp.AddressLocal {
		return d
	}
	if version == 4 {
		return n.first4
	}
	return n.first6
}

func (n *Network) deliverLoop() {
	defer close(n.done)
	defer recovery.RecoverWithLog(n.logger, "loopback-deliver")

	for {
		select {
		case <-n.stopCh:
			return
		case <-n.ready:
		}
		for {
			select {
			case <-n.stopCh:
				return
			default:
			}
			data, zone, s, ok := n.dequeue()
			if !ok {
				break
			}
			recovery.Call(n.logger, "loopback-deliver", nil, func() {
				n.deliver(s, data, zone)
			})
		}
	}
}

func (n *Network) dequeue() ([]byte, udp.Zone, *udp.Stack, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.queue.Length() < frameHeaderSize {
		return nil, 0, nil, false
	}
	var hdr [frameHeaderSize]byte
	if _, err := n.queue.Read(hdr[:]); err != nil {
		return nil, 0, nil, false
	}
	data := make([]byte, binary.BigEndian.Uint32(hdr[0:]))
	if _, err := n.queue.Read(data); err != nil {
		// Frames are written whole; a short read means the queue is corrupt.
		n.queue.Reset()
		n.logger.Error("loopback queue corrupt, reset", logging.KeyError, err)
		return nil, 0, nil, false
	}
	n.metrics.SetLoopbackQueued(n.queue.Length())
	return data, udp.Zone(binary.BigEndian.Uint32(hdr[4:])), n.stack, true
}

func (n *Network) deliver(s *udp.Stack, data []byte, zone udp.Zone) {
	version := header.Version(data)
	dst, ok := destination(version, data)
	if !ok {
		return
	}
	typ := n.AddressType(dst)

	err := s.DeliverPacket(&udp.InboundPacket{
		Data:      data,
		Zone:      zone,
		Broadcast: typ == udp.AddressBroadcast,
	})
	if err == nil {
		n.delivered.Add(1)
		return
	}
	n.dropped.Add(1)
	if !udp.IsNoPort(err) || !n.cfg.PortUnreachable || typ != udp.AddressLocal {
		return
	}

	msg, err := portUnreachable(version, data)
	if err != nil {
		n.logger.Debug("build port unreachable", logging.KeyError, err)
		return
	}
	if err := s.HandleControl(version, msg); err != nil {
		n.logger.Debug("port unreachable rejected", logging.KeyError, err)
	}
}

// destination returns the IP destination field of a datagram.
func destination(version int, data []byte) (netip.Addr, bool) {
	switch version {
	case 4:
		if len(data) < header.IPv4MinimumSize {
			return netip.Addr{}, false
		}
		return netip.AddrFrom4([4]byte(data[16:20])), true
	case 6:
		if len(data) < header.IPv6FixedSize {
			return netip.Addr{}, false
		}
		return netip.AddrFrom16([16]byte(data[24:40])), true
	}
	return netip.Addr{}, false
}

// portUnreachable builds the ICMP or ICMPv6 port unreachable message for
// an undeliverable datagram, quoting as much of it as fits the minimum MTU.
func portUnreachable(version int, data []byte) ([]byte, error) {
	switch version {
	case 4:
		m := icmp.Message{
			Type: ipv4.ICMPTypeDestinationUnreachable,
			Code: 3,
			Body: &icmp.DstUnreach{Data: data[:min(len(data), maxQuote4)]},
		}
		return m.Marshal(nil)
	case 6:
		src := netip.AddrFrom16([16]byte(data[8:24]))
		dst := netip.AddrFrom16([16]byte(data[24:40]))
		m := icmp.Message{
			Type: ipv6.ICMPTypeDestinationUnreachable,
			Code: 4,
			Body: &icmp.DstUnreach{Data: data[:min(len(data), maxQuote6)]},
		}
		// The error travels from the unreachable destination back to the sender.
		return m.Marshal(icmp.IPv6PseudoHeader(dst.AsSlice(), src.AsSlice()))
	}
	return nil, header.ErrVersion
}

// Queued returns the number of bytes waiting for delivery.
func (n *Network) Queued() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.queue.Length()
}

// Stats reports datagrams delivered and dropped since creation.
func (n *Network) Stats() (delivered, dropped uint64) {
	return n.delivered.Load(), n.dropped.Load()
}
