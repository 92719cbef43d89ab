package loadtest

import (
	"context"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/udpengine/internal/logging"
	"github.com/postalsys/udpengine/internal/metrics"
	"github.com/postalsys/udpengine/internal/ports"
	"github.com/postalsys/udpengine/internal/udp"
)

// countingNetwork accepts every packet and counts it.
type countingNetwork struct {
	packets atomic.Int64
	bytes   atomic.Int64
}

func (n *countingNetwork) WritePacket(pkt *udp.OutboundPacket) error {
	n.packets.Add(1)
	n.bytes.Add(int64(len(pkt.Data)))
	return nil
}

func (n *countingNetwork) AddressType(addr netip.Addr) udp.AddressType {
	if addr.IsLoopback() {
		return udp.AddressLocal
	}
	return udp.AddressNotLocal
}

type discardUpcalls struct{}

func (discardUpcalls) Deliver(*udp.Endpoint, *udp.Message) int { return 0 }
func (discardUpcalls) SetError(*udp.Endpoint, error)           {}

func newStack(t *testing.T, lo, hi uint16) (*udp.Stack, *countingNetwork) {
	t.Helper()
	po := ports.DefaultOptions()
	po.SmallestAnon = lo
	po.LargestAnon = hi
	ps, err := ports.New(po)
	if err != nil {
		t.Fatalf("ports.New() error = %v", err)
	}
	net := &countingNetwork{}
	s, err := udp.NewStack(udp.DefaultOptions(), ps, net, discardUpcalls{}, logging.NopLogger(),
		metrics.NewMetricsWithRegistry(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("NewStack() error = %v", err)
	}
	t.Cleanup(s.Close)
	return s, net
}

func TestBindChurnTester(t *testing.T) {
	stack, _ := newStack(t, 40000, 49999)
	tester := NewBindChurnTester(4, 100*time.Millisecond, 8)

	m, err := tester.Run(context.Background(), stack, udp.FamilyIPv4)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if m.SuccessfulBinds == 0 {
		t.Error("expected at least one successful bind")
	}
	if m.TotalBinds != m.SuccessfulBinds+m.FailedBinds {
		t.Errorf("TotalBinds = %d, want %d", m.TotalBinds, m.SuccessfulBinds+m.FailedBinds)
	}
	if m.Exhausted != 0 {
		t.Errorf("Exhausted = %d, want 0", m.Exhausted)
	}
	if got := len(stack.Endpoints()); got != 0 {
		t.Errorf("endpoints left open = %d, want 0", got)
	}
	t.Logf("Churn metrics: total=%d, success=%d, binds/s=%.0f, avg=%.1fus, max=%.1fus",
		m.TotalBinds, m.SuccessfulBinds, m.BindsPerSecond, m.AvgBindTimeUs, m.MaxBindTimeUs)
}

func TestBindChurnTester_Exhaustion(t *testing.T) {
	// Two workers each holding four ports cannot fit in a range of four.
	stack, _ := newStack(t, 40000, 40003)
	tester := NewBindChurnTester(2, 50*time.Millisecond, 4)

	m, err := tester.Run(context.Background(), stack, udp.FamilyIPv6)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if m.Exhausted == 0 {
		t.Error("expected port exhaustion failures")
	}
	if m.Exhausted != m.FailedBinds {
		t.Errorf("Exhausted = %d, FailedBinds = %d, want equal", m.Exhausted, m.FailedBinds)
	}
}

func TestBindChurnTester_InvalidConcurrency(t *testing.T) {
	stack, _ := newStack(t, 40000, 40099)
	if _, err := NewBindChurnTester(0, time.Millisecond, 1).Run(context.Background(), stack, udp.FamilyIPv4); err == nil {
		t.Error("expected error for zero concurrency")
	}
}

func TestSendLoadGenerator(t *testing.T) {
	stack, net := newStack(t, 40000, 40099)
	gen := NewSendLoadGenerator(3, 512, 100*time.Millisecond)

	dst := udp.Destination{Addr: netip.MustParseAddr("127.0.0.1"), Port: 9}
	m, err := gen.Run(context.Background(), stack, udp.FamilyIPv4, dst)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if m.Sent == 0 {
		t.Fatal("expected datagrams to be sent")
	}
	if m.Failed != 0 {
		t.Errorf("Failed = %d, want 0", m.Failed)
	}
	if m.TotalBytes != m.Sent*512 {
		t.Errorf("TotalBytes = %d, want %d", m.TotalBytes, m.Sent*512)
	}
	if got := net.packets.Load(); got != m.Sent {
		t.Errorf("network saw %d packets, want %d", got, m.Sent)
	}
	// IPv4 and UDP headers on every datagram.
	if got, want := net.bytes.Load(), m.Sent*(512+28); got != want {
		t.Errorf("network saw %d bytes, want %d", got, want)
	}
	if got := len(stack.Endpoints()); got != 0 {
		t.Errorf("endpoints left open = %d, want 0", got)
	}
	t.Logf("Send metrics: sent=%d, %.0f datagrams/s, %.2f MB/s", m.Sent, m.DatagramsPerSecond, m.ThroughputMBps)
}

func TestSendLoadGenerator_Oversize(t *testing.T) {
	stack, net := newStack(t, 40000, 40099)
	gen := NewSendLoadGenerator(1, 70000, 20*time.Millisecond)

	dst := udp.Destination{Addr: netip.MustParseAddr("::1"), Port: 9}
	m, err := gen.Run(context.Background(), stack, udp.FamilyIPv6, dst)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if m.Sent != 0 {
		t.Errorf("Sent = %d, want 0", m.Sent)
	}
	if m.Failed == 0 {
		t.Error("expected oversize sends to fail")
	}
	if got := net.packets.Load(); got != 0 {
		t.Errorf("network saw %d packets, want 0", got)
	}
}
