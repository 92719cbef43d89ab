package udp

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/udpengine/internal/logging"
	"github.com/postalsys/udpengine/internal/metrics"
	"github.com/postalsys/udpengine/internal/ports"
)

// NetworkLayer is the IP layer underneath the engine.
type NetworkLayer interface {
	// WritePacket transmits a complete IP datagram. It is called with no
	// engine lock held.
	WritePacket(pkt *OutboundPacket) error

	// AddressType classifies a local address.
	AddressType(addr netip.Addr) AddressType
}

// Upcalls are the application callbacks.
type Upcalls interface {
	// Deliver hands a received message to the application and returns
	// the number of bytes now queued on the endpoint, or a negative
	// value if the message was not queued.
	Deliver(ep *Endpoint, msg *Message) int

	// SetError reports an asynchronous error on a connected endpoint.
	SetError(ep *Endpoint, err error)
}

// Labeler computes the security label token carried in IP options for a
// destination. The token is opaque to the engine.
type Labeler interface {
	Label(dst netip.Addr, cred Credentials) ([]byte, error)
}

// PortExclusion reports whether port must not be handed out to an
// endpoint in zone with cred.
type PortExclusion func(port uint16, zone Zone, cred Credentials) bool

// OutboundPacket is a datagram ready for the IP layer.
type OutboundPacket struct {
	// Version is 4 or 6.
	Version int

	// Data is the complete datagram, IP header included.
	Data []byte

	// Src is the source written into the header. When it is unspecified
	// the IP layer picks one and calls header.UpdateSource.
	Src netip.Addr

	// Dst is the address in the IP destination field, the first hop of a
	// source route.
	Dst netip.Addr

	NextHop      netip.Addr
	IfIndex      uint32
	DontFragment bool
	Zone         Zone
	EndpointID   uint64
}

// Message is a datagram delivered to an endpoint. A path MTU notice is a
// Message with an empty payload and a single ancillary item.
type Message struct {
	Source      netip.AddrPort
	Destination netip.AddrPort
	Payload     []byte
	Ancillary   Ancillary
	FlowLabel   uint32
}

// Stack owns the bind table and every endpoint of one engine instance.
type Stack struct {
	opts    Options
	ports   *ports.Space
	table   *bindTable
	network NetworkLayer
	upcalls Upcalls
	logger  *slog.Logger
	drops   *logging.Limited
	metrics *metrics.Metrics
	now     func() time.Time

	nextID atomic.Uint64
	ipID   atomic.Uint32

	mu        sync.RWMutex
	endpoints map[uint64]*Endpoint
	labeler   Labeler
	exclusion PortExclusion
}

// NewStack creates a stack. A nil logger discards output; nil metrics are
// registered on a private registry.
func NewStack(opts Options, ps *ports.Space, network NetworkLayer, upcalls Upcalls, logger *slog.Logger, m *metrics.Metrics) (*Stack, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if ps == nil {
		return nil, errors.New("port space is required")
	}
	if network == nil {
		return nil, errors.New("network layer is required")
	}
	if upcalls == nil {
		return nil, errors.New("upcalls are required")
	}
	if m == nil {
		m = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	}

	logger = logging.WithComponent(logger, "udp")
	return &Stack{
		opts:      opts,
		ports:     ps,
		table:     newBindTable(opts.BindBuckets),
		network:   network,
		upcalls:   upcalls,
		logger:    logger,
		drops:     logging.NewLimited(logger, opts.DropLogRate, 10),
		metrics:   m,
		now:       time.Now,
		endpoints: make(map[uint64]*Endpoint),
	}, nil
}

// Options returns the options the stack was created with.
func (s *Stack) Options() Options {
	return s.opts
}

// Ports returns the stack's port space.
func (s *Stack) Ports() *ports.Space {
	return s.ports
}

// SetLabeler installs the security label source. Nil disables labels.
func (s *Stack) SetLabeler(l Labeler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labeler = l
}

// SetPortExclusion installs a per-caller port exclusion predicate used
// when searching for anonymous ports.
func (s *Stack) SetPortExclusion(f PortExclusion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exclusion = f
}

func (s *Stack) portFilter(ep *Endpoint) ports.Filter {
	s.mu.RLock()
	f := s.exclusion
	s.mu.RUnlock()
	if f == nil {
		return nil
	}
	return func(port uint16) bool {
		return f(port, ep.zone, ep.cred)
	}
}

func (s *Stack) currentLabeler() Labeler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.labeler
}

// NewEndpoint opens an unbound endpoint.
func (s *Stack) NewEndpoint(family Family, cfg EndpointConfig) (*Endpoint, error) {
	if family != FamilyIPv4 && family != FamilyIPv6 {
		return nil, fmt.Errorf("%w: family %d", ErrAddressFamily, family)
	}

	ep := &Endpoint{
		stack:  s,
		id:     s.nextID.Add(1),
		family: family,
		zone:   cfg.Zone,
		cred:   cfg.Credentials,
		opened: s.now(),
		opts:   defaultSticky(s.opts),
	}
	ep.clearAddresses()

	s.mu.Lock()
	s.endpoints[ep.id] = ep
	s.mu.Unlock()
	s.metrics.RecordStateChange("", StateUnbound.label())

	s.logger.Debug("endpoint opened",
		logging.KeyEndpointID, ep.id,
		logging.KeyFamily, family.String())
	return ep, nil
}

func (s *Stack) forget(ep *Endpoint) {
	s.mu.Lock()
	_, ok := s.endpoints[ep.id]
	delete(s.endpoints, ep.id)
	s.mu.Unlock()
	if ok {
		s.metrics.RecordStateChange(StateUnbound.label(), "")
	}
}

// Endpoints returns a snapshot of every open endpoint ordered by ID.
func (s *Stack) Endpoints() []EndpointInfo {
	s.mu.RLock()
	eps := make([]*Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		eps = append(eps, ep)
	}
	s.mu.RUnlock()

	out := make([]EndpointInfo, 0, len(eps))
	for _, ep := range eps {
		out = append(out, ep.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Bound returns the endpoints bound to port in bind table order: every
// specific-address endpoint ahead of every wildcard one.
func (s *Stack) Bound(port uint16) []EndpointInfo {
	var out []EndpointInfo
	s.table.walk(port, func(e *Endpoint) bool {
		out = append(out, EndpointInfo{
			ID:         e.id,
			Family:     e.family,
			State:      e.state,
			Zone:       e.zone,
			IPVersion:  e.ipversion,
			LocalAddr:  external(e.boundSrc, e.family),
			LocalPort:  e.port,
			SourceAddr: external(e.src, e.family),
			RemoteAddr: external(e.remote, e.family),
			RemotePort: e.remotePort,
		})
		return true
	})
	return out
}

// Close closes every open endpoint.
func (s *Stack) Close() {
	s.mu.RLock()
	eps := make([]*Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		eps = append(eps, ep)
	}
	s.mu.RUnlock()

	for _, ep := range eps {
		_ = ep.Close()
	}
}

func (s *Stack) nextIPID() uint16 {
	return uint16(s.ipID.Add(1))
}
