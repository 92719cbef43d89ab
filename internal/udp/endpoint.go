package udp

import (
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/udpengine/internal/logging"
	"github.com/postalsys/udpengine/internal/ports"
)

// BindFlags modify Bind.
type BindFlags uint8

const (
	// BindExactPort fails with ErrAddressInUse instead of searching for
	// another port when the requested nonzero port is taken.
	BindExactPort BindFlags = 1 << iota

	// BindAnonPrivileged draws port 0 binds from the privileged range.
	// The caller must be privileged.
	BindAnonPrivileged
)

// EndpointConfig holds the identity an endpoint is opened with.
type EndpointConfig struct {
	Zone        Zone
	Credentials Credentials
}

// EndpointInfo is a snapshot of an endpoint for diagnostics.
type EndpointInfo struct {
	ID             uint64
	Family         Family
	State          EndpointState
	Zone           Zone
	IPVersion      int
	LocalAddr      netip.Addr
	LocalPort      uint16
	SourceAddr     netip.Addr
	RemoteAddr     netip.Addr
	RemotePort     uint16
	Opened         time.Time
	PID            int32
	FlowControlled bool
}

type delayedError struct {
	addr netip.AddrPort
	err  error
}

// Endpoint is one datagram socket.
type Endpoint struct {
	stack  *Stack
	id     uint64
	family Family
	zone   Zone
	cred   Credentials
	opened time.Time

	// Read without mu by other endpoints' binds and by the classifier.
	reuseAddr atomic.Bool
	exclBind  atomic.Bool
	v6only    atomic.Bool

	mu         sync.RWMutex
	pending    bool
	destroyed  bool
	errind     bool
	opts       stickyOptions
	delayed    *delayedError
	lastDst    netip.AddrPort
	lastLabel  []byte
	labelValid bool

	// Guarded by the bucket lock. Written only while mu is also held for
	// writing, so holders of mu may read them without the bucket lock.
	state       EndpointState
	port        uint16
	ipversion   int
	bindVersion int
	boundSrc    netip.Addr
	bindSrc     netip.Addr
	src         netip.Addr
	remote      netip.Addr
	remotePort  uint16
	flowinfo    uint32
	bucket      *bindBucket
	bindNext    *Endpoint
	bindPrev    **Endpoint

	flowControlled atomic.Bool
	rmu            sync.Mutex
	lastRecvOpts   []byte
}

func (ep *Endpoint) defaultVersion() int {
	if ep.family == FamilyIPv4 {
		return 4
	}
	return 6
}

// ID returns the endpoint's stack-unique identifier.
func (ep *Endpoint) ID() uint64 {
	return ep.id
}

// Family returns the address family the endpoint was opened with.
func (ep *Endpoint) Family() Family {
	return ep.family
}

// State returns the current lifecycle state.
func (ep *Endpoint) State() EndpointState {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.state
}

// LocalAddr returns the bound address and port in the endpoint's family.
func (ep *Endpoint) LocalAddr() netip.AddrPort {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return netip.AddrPortFrom(external(ep.boundSrc, ep.family), ep.port)
}

// RemoteAddr returns the peer of a connected endpoint.
func (ep *Endpoint) RemoteAddr() (netip.AddrPort, bool) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.state != StateConnected {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(external(ep.remote, ep.family), ep.remotePort), true
}

// Info returns a snapshot of the endpoint.
func (ep *Endpoint) Info() EndpointInfo {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.infoLocked()
}

func (ep *Endpoint) infoLocked() EndpointInfo {
	info := EndpointInfo{
		ID:             ep.id,
		Family:         ep.family,
		State:          ep.state,
		Zone:           ep.zone,
		IPVersion:      ep.ipversion,
		LocalAddr:      external(ep.boundSrc, ep.family),
		LocalPort:      ep.port,
		SourceAddr:     external(ep.src, ep.family),
		Opened:         ep.opened,
		PID:            ep.cred.PID,
		FlowControlled: ep.flowControlled.Load(),
	}
	if ep.state == StateConnected {
		info.RemoteAddr = external(ep.remote, ep.family)
		info.RemotePort = ep.remotePort
	}
	return info
}

// FlowControlled reports whether the receive queue reached its high
// watermark on the last delivery.
func (ep *Endpoint) FlowControlled() bool {
	return ep.flowControlled.Load()
}

// ClearFlowControl is called by the application once its receive queue
// has drained.
func (ep *Endpoint) ClearFlowControl() {
	ep.flowControlled.Store(false)
}

// LastReceivedOptions returns the IPv4 options of the last datagram
// delivered to the endpoint.
func (ep *Endpoint) LastReceivedOptions() []byte {
	ep.rmu.Lock()
	defer ep.rmu.Unlock()
	return slices.Clone(ep.lastRecvOpts)
}

// localAddr validates a bind address for the endpoint's family and returns
// it in canonical form with the IP version it implies.
func (ep *Endpoint) localAddr(addr netip.Addr) (netip.Addr, int, error) {
	if !addr.IsValid() {
		return unspecifiedFor(ep.defaultVersion()), ep.defaultVersion(), nil
	}
	addr = addr.WithZone("")

	switch ep.family {
	case FamilyIPv4:
		if !is4(addr) {
			return netip.Addr{}, 0, ErrAddressFamily
		}
		return canon(addr), 4, nil
	default:
		if is4(addr) {
			if ep.v6only.Load() {
				return netip.Addr{}, 0, ErrAddressNotAvailable
			}
			return canon(addr), 4, nil
		}
		return addr, 6, nil
	}
}

// resolve turns a destination into a target for this endpoint.
func (ep *Endpoint) resolve(d Destination) (target, error) {
	if !d.Addr.IsValid() {
		return target{}, fmt.Errorf("%w: invalid destination address", ErrInvalid)
	}
	a := d.Addr.WithZone("")
	switch ep.family {
	case FamilyIPv4:
		if !is4(a) {
			return target{}, ErrAddressFamily
		}
		return target{version: 4, addr: canon(a), port: d.Port}, nil
	default:
		if is4(a) {
			if ep.v6only.Load() {
				return target{}, ErrAddressNotAvailable
			}
			return target{version: 4, addr: canon(a), port: d.Port}, nil
		}
		return target{version: 6, addr: a, port: d.Port, flowinfo: d.FlowLabel & 0xfffff}, nil
	}
}

// setState records a state change. The caller holds the bucket lock or
// the endpoint is not linked.
func (ep *Endpoint) setState(s EndpointState) {
	if ep.state == s {
		return
	}
	ep.stack.metrics.RecordStateChange(ep.state.label(), s.label())
	ep.state = s
}

// Bind assigns a local address and port. An invalid addr binds the
// wildcard address; port 0 picks an anonymous port.
func (ep *Endpoint) Bind(addr netip.Addr, port uint16, flags BindFlags) error {
	ep.mu.Lock()
	err := ep.bindLocked(addr, port, flags)
	check := err == nil && !isAny(ep.boundSrc)
	src := ep.boundSrc
	if check {
		ep.pending = true
	}
	ep.mu.Unlock()

	if err == nil && check {
		err = ep.completeBind(src)
	}

	if err != nil {
		ep.stack.metrics.RecordBindFailure(errnoLabel(err))
		ep.stack.logger.Debug("bind failed",
			logging.KeyEndpointID, ep.id,
			logging.KeyLocalAddr, addr,
			logging.KeyPort, port,
			logging.KeyError, err)
		return err
	}

	ep.stack.logger.Debug("endpoint bound",
		logging.KeyEndpointID, ep.id,
		logging.KeyLocalAddr, ep.LocalAddr())
	return nil
}

// bindLocked runs the port search and inserts the endpoint into the bind
// table. The caller holds mu for writing.
func (ep *Endpoint) bindLocked(addr netip.Addr, requested uint16, flags BindFlags) error {
	if ep.destroyed {
		return ErrClosed
	}
	if ep.state != StateUnbound {
		return ErrBadState
	}
	if ep.pending {
		return ErrOperationPending
	}

	src, version, err := ep.localAddr(addr)
	if err != nil {
		return err
	}

	s := ep.stack
	ps := s.ports
	anonPriv := ep.opts.anonPriv || flags&BindAnonPrivileged != 0
	if anonPriv && !ep.cred.Privileged {
		return ErrAccess
	}
	exact := requested != 0 && flags&BindExactPort != 0
	filter := s.portFilter(ep)

	port := requested
	if requested == 0 {
		if anonPriv {
			port = ps.NextPrivileged(filter)
		} else {
			port = ps.NextEphemeral(ps.Cursor(), true, filter)
		}
	} else if ps.IsPrivileged(requested) && !ep.cred.Privileged {
		return ErrAccess
	}
	if port == 0 {
		return ErrNoPortAvailable
	}

	loopmax := ps.RangeSize()
	if anonPriv {
		loopmax = ports.ReservedPort - int(ps.Options().MinAnonPriv)
	}

	reuse := ep.reuseAddr.Load()
	for count := 0; ; {
		b := s.table.bucket(port)
		b.mu.Lock()
		skipOther := s.opts.DisjointFamilyPorts && count == 0 && requested != 0
		conflict, excl := b.findConflict(ep, src, version, port, skipOther)
		if conflict == nil || (!excl && reuse && requested != 0) {
			ep.port = port
			ep.boundSrc = src
			ep.bindSrc = src
			ep.src = src
			ep.ipversion = version
			ep.bindVersion = version
			ep.setState(StateIdle)
			b.insert(ep)
			b.mu.Unlock()

			if requested == 0 && !anonPriv {
				ps.Advance(port)
			}
			return nil
		}
		b.mu.Unlock()

		if exact {
			return ErrAddressInUse
		}

		switch {
		case anonPriv:
			port = ps.NextPrivileged(filter)
		case count == 0 && requested != 0:
			port = ps.NextEphemeral(ps.Cursor(), true, filter)
			requested = 0
		default:
			port = ps.NextEphemeral(port+1, false, filter)
		}

		count++
		if port == 0 || count >= loopmax {
			return ErrNoPortAvailable
		}
	}
}

// completeBind asks the IP layer about a specific bound address. A
// non-local address undoes the bind; broadcast and multicast addresses
// stay bound but are not used as a packet source.
func (ep *Endpoint) completeBind(src netip.Addr) error {
	typ := AddressMulticast
	if !src.Unmap().IsMulticast() {
		typ = ep.stack.network.AddressType(external(src, ep.family))
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.pending = false
	if ep.destroyed {
		return ErrClosed
	}

	switch typ {
	case AddressNotLocal:
		ep.unbindLocked()
		return ErrAddressNotAvailable
	case AddressBroadcast, AddressMulticast:
		b := ep.bucket
		b.mu.Lock()
		ep.src = unspecifiedFor(ep.ipversion)
		ep.bindSrc = ep.src
		b.mu.Unlock()
	}
	return nil
}

// Connect sets the default destination. An unspecified address means
// loopback.
func (ep *Endpoint) Connect(dst Destination) error {
	if dst.Port == 0 {
		return fmt.Errorf("%w: destination port 0", ErrInvalid)
	}
	if !dst.Addr.IsValid() {
		dst.Addr = unspecifiedFor(ep.defaultVersion())
	}
	t, err := ep.resolve(dst)
	if err != nil {
		return err
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.destroyed {
		return ErrClosed
	}
	if ep.state == StateUnbound {
		return ErrBadState
	}
	if ep.pending {
		return ErrOperationPending
	}

	b := ep.bucket
	b.mu.Lock()
	if ep.state == StateConnected {
		ep.src = ep.bindSrc
		ep.ipversion = ep.bindVersion
		ep.remote = netip.Addr{}
		ep.remotePort = 0
		ep.setState(StateIdle)
	}

	if isAny(t.addr) {
		t.addr = loopbackFor(t.version)
	}

	src := ep.src
	if !isAny(src) && versionOf(src) != t.version {
		b.mu.Unlock()
		return ErrAddressNotAvailable
	}
	if t.version == 4 && isAny(src) && t.addr.Unmap().IsMulticast() && ep.opts.mcastIf.IsValid() {
		src = ep.opts.mcastIf
	}

	if other := b.findConnected(ep, src, t); other != nil {
		b.mu.Unlock()
		return ErrAddressInUse
	}

	ep.src = src
	ep.ipversion = t.version
	ep.remote = t.addr
	ep.remotePort = t.port
	ep.flowinfo = t.flowinfo
	ep.setState(StateConnected)
	b.mu.Unlock()

	ep.errind = true
	ep.labelValid = false

	ep.stack.logger.Debug("endpoint connected",
		logging.KeyEndpointID, ep.id,
		logging.KeyRemoteAddr, t.addrPort())
	return nil
}

// Disconnect removes the default destination.
func (ep *Endpoint) Disconnect() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.destroyed {
		return ErrClosed
	}
	if ep.pending {
		return ErrOperationPending
	}
	if ep.state != StateConnected {
		return ErrBadState
	}

	b := ep.bucket
	b.mu.Lock()
	ep.src = ep.bindSrc
	ep.ipversion = ep.bindVersion
	ep.remote = netip.Addr{}
	ep.remotePort = 0
	ep.flowinfo = 0
	ep.setState(StateIdle)
	b.mu.Unlock()

	ep.errind = false
	ep.labelValid = false
	return nil
}

// Unbind releases the local address and port. Unbinding an unbound
// endpoint does nothing.
func (ep *Endpoint) Unbind() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.destroyed {
		return ErrClosed
	}
	if ep.state == StateUnbound {
		return nil
	}
	if ep.pending {
		return ErrOperationPending
	}
	ep.unbindLocked()
	return nil
}

// unbindLocked removes the endpoint from the bind table before clearing
// its port. The caller holds mu for writing.
func (ep *Endpoint) unbindLocked() {
	if b := ep.bucket; b != nil {
		b.mu.Lock()
		b.remove(ep)
		ep.clearAddresses()
		b.mu.Unlock()
		return
	}
	ep.clearAddresses()
}

func (ep *Endpoint) clearAddresses() {
	unspec := unspecifiedFor(ep.defaultVersion())
	ep.port = 0
	ep.boundSrc = unspec
	ep.bindSrc = unspec
	ep.src = unspec
	ep.remote = netip.Addr{}
	ep.remotePort = 0
	ep.flowinfo = 0
	ep.ipversion = ep.defaultVersion()
	ep.bindVersion = ep.ipversion
	ep.setState(StateUnbound)
}

// Close unbinds the endpoint and releases it. Every later operation fails
// with ErrClosed.
func (ep *Endpoint) Close() error {
	ep.mu.Lock()
	if ep.destroyed {
		ep.mu.Unlock()
		return ErrClosed
	}
	ep.unbindLocked()
	ep.destroyed = true
	ep.pending = false
	ep.delayed = nil
	ep.mu.Unlock()

	ep.stack.forget(ep)
	ep.stack.logger.Debug("endpoint closed", logging.KeyEndpointID, ep.id)
	return nil
}
