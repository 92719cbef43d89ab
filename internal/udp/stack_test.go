package udp

import (
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/udpengine/internal/logging"
	"github.com/postalsys/udpengine/internal/metrics"
	"github.com/postalsys/udpengine/internal/ports"
)

type fakeNetwork struct {
	mu       sync.Mutex
	packets  []*OutboundPacket
	types    map[netip.Addr]AddressType
	writeErr error
}

func (n *fakeNetwork) WritePacket(pkt *OutboundPacket) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.writeErr != nil {
		return n.writeErr
	}
	n.packets = append(n.packets, pkt)
	return nil
}

func (n *fakeNetwork) AddressType(addr netip.Addr) AddressType {
	n.mu.Lock()
	defer n.mu.Unlock()
	if typ, ok := n.types[addr.Unmap()]; ok {
		return typ
	}
	return AddressLocal
}

func (n *fakeNetwork) setType(addr string, typ AddressType) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.types == nil {
		n.types = make(map[netip.Addr]AddressType)
	}
	n.types[netip.MustParseAddr(addr)] = typ
}

func (n *fakeNetwork) last(t *testing.T) *OutboundPacket {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.packets) == 0 {
		t.Fatal("no packet written")
	}
	return n.packets[len(n.packets)-1]
}

func (n *fakeNetwork) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.packets)
}

type delivery struct {
	ep  *Endpoint
	msg *Message
}

type fakeUpcalls struct {
	mu         sync.Mutex
	deliveries []delivery
	errs       []error
	queued     int
	panicking  bool
}

func (u *fakeUpcalls) Deliver(ep *Endpoint, msg *Message) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.panicking {
		panic("deliver failed")
	}
	u.deliveries = append(u.deliveries, delivery{ep: ep, msg: msg})
	return u.queued
}

func (u *fakeUpcalls) SetError(ep *Endpoint, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.errs = append(u.errs, err)
}

func (u *fakeUpcalls) got() []delivery {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]delivery(nil), u.deliveries...)
}

func (u *fakeUpcalls) errors() []error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]error(nil), u.errs...)
}

type testStack struct {
	*Stack
	net     *fakeNetwork
	up      *fakeUpcalls
	metrics *metrics.Metrics
}

func smallPorts(lo, hi uint16) ports.Options {
	o := ports.DefaultOptions()
	o.SmallestAnon = lo
	o.LargestAnon = hi
	o.RandomAnon = false
	return o
}

func newTestStackWith(t *testing.T, opts Options, po ports.Options) *testStack {
	t.Helper()
	ps, err := ports.New(po)
	if err != nil {
		t.Fatalf("ports.New() error = %v", err)
	}
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	net := &fakeNetwork{}
	up := &fakeUpcalls{}
	s, err := NewStack(opts, ps, net, up, logging.NopLogger(), m)
	if err != nil {
		t.Fatalf("NewStack() error = %v", err)
	}
	t.Cleanup(s.Close)
	return &testStack{Stack: s, net: net, up: up, metrics: m}
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	return newTestStackWith(t, DefaultOptions(), smallPorts(40000, 40099))
}

func (ts *testStack) open(t *testing.T, family Family) *Endpoint {
	t.Helper()
	ep, err := ts.NewEndpoint(family, EndpointConfig{})
	if err != nil {
		t.Fatalf("NewEndpoint() error = %v", err)
	}
	return ep
}

func (ts *testStack) openPrivileged(t *testing.T, family Family) *Endpoint {
	t.Helper()
	ep, err := ts.NewEndpoint(family, EndpointConfig{Credentials: Credentials{Privileged: true}})
	if err != nil {
		t.Fatalf("NewEndpoint() error = %v", err)
	}
	return ep
}

func mustBind(t *testing.T, ep *Endpoint, addr string, port uint16) {
	t.Helper()
	var a netip.Addr
	if addr != "" {
		a = netip.MustParseAddr(addr)
	}
	if err := ep.Bind(a, port, 0); err != nil {
		t.Fatalf("Bind(%q, %d) error = %v", addr, port, err)
	}
}

func dest(s string) *Destination {
	ap := netip.MustParseAddrPort(s)
	return &Destination{Addr: ap.Addr(), Port: ap.Port()}
}

func TestNewStack_Validation(t *testing.T) {
	ps, err := ports.New(ports.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	net, up := &fakeNetwork{}, &fakeUpcalls{}

	tests := []struct {
		name    string
		opts    Options
		ps      *ports.Space
		net     NetworkLayer
		up      Upcalls
		wantErr bool
	}{
		{"valid", DefaultOptions(), ps, net, up, false},
		{"no port space", DefaultOptions(), nil, net, up, true},
		{"no network", DefaultOptions(), ps, nil, up, true},
		{"no upcalls", DefaultOptions(), ps, net, nil, true},
		{"bad options", Options{}, ps, net, up, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewStack(tt.opts, tt.ps, tt.net, tt.up, nil, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewStack() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && s == nil {
				t.Error("NewStack() returned nil stack")
			}
		})
	}
}

func TestNewEndpoint_BadFamily(t *testing.T) {
	ts := newTestStack(t)
	if _, err := ts.NewEndpoint(Family(99), EndpointConfig{}); !errors.Is(err, ErrAddressFamily) {
		t.Errorf("NewEndpoint(99) error = %v, want ErrAddressFamily", err)
	}
}

func TestStack_EndpointsAndMetrics(t *testing.T) {
	ts := newTestStack(t)
	a := ts.open(t, FamilyIPv4)
	b := ts.open(t, FamilyIPv6)
	mustBind(t, b, "", 0)

	eps := ts.Endpoints()
	if len(eps) != 2 {
		t.Fatalf("Endpoints() = %d entries, want 2", len(eps))
	}
	if eps[0].ID != a.ID() || eps[1].ID != b.ID() {
		t.Errorf("Endpoints() IDs = %d,%d, want %d,%d", eps[0].ID, eps[1].ID, a.ID(), b.ID())
	}
	if eps[1].State != StateIdle {
		t.Errorf("Endpoints()[1].State = %v, want IDLE", eps[1].State)
	}

	if got := testutil.ToFloat64(ts.metrics.Endpoints.WithLabelValues("unbound")); got != 1 {
		t.Errorf("Endpoints[unbound] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(ts.metrics.Endpoints.WithLabelValues("idle")); got != 1 {
		t.Errorf("Endpoints[idle] = %v, want 1", got)
	}

	ts.Close()
	if n := len(ts.Endpoints()); n != 0 {
		t.Errorf("Endpoints() after Close = %d entries, want 0", n)
	}
	if got := testutil.ToFloat64(ts.metrics.Endpoints.WithLabelValues("idle")); got != 0 {
		t.Errorf("Endpoints[idle] after Close = %v, want 0", got)
	}
	if got := testutil.ToFloat64(ts.metrics.Endpoints.WithLabelValues("unbound")); got != 0 {
		t.Errorf("Endpoints[unbound] after Close = %v, want 0", got)
	}
}

func TestStack_PortExclusion(t *testing.T) {
	ts := newTestStackWith(t, DefaultOptions(), smallPorts(40000, 40003))
	ts.SetPortExclusion(func(port uint16, zone Zone, cred Credentials) bool {
		return port == 40000 || port == 40001
	})

	ep := ts.open(t, FamilyIPv4)
	mustBind(t, ep, "", 0)
	if got := ep.LocalAddr().Port(); got != 40002 {
		t.Errorf("LocalAddr().Port() = %d, want 40002", got)
	}
}
