// Package loadtest drives a stack with concurrent binds and sends and
// reports rates.
package loadtest

import (
	"context"
	"crypto/rand"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/udpengine/internal/udp"
)

// ChurnMetrics contains metrics from bind churn testing.
type ChurnMetrics struct {
	TotalBinds      int64
	SuccessfulBinds int64
	FailedBinds     int64
	Exhausted       int64 // failures for lack of an ephemeral port
	AvgBindTimeUs   float64
	MaxBindTimeUs   float64
	Duration        time.Duration
	BindsPerSecond  float64
}

// BindChurnTester opens, binds and closes endpoints as fast as it can.
type BindChurnTester struct {
	concurrency int
	duration    time.Duration
	hold        int // endpoints each worker keeps bound at once

	mu      sync.Mutex
	metrics ChurnMetrics
}

// NewBindChurnTester creates a bind churn tester. Each worker keeps up to
// hold endpoints bound before releasing the oldest.
func NewBindChurnTester(concurrency int, duration time.Duration, hold int) *BindChurnTester {
	if hold < 1 {
		hold = 1
	}
	return &BindChurnTester{
		concurrency: concurrency,
		duration:    duration,
		hold:        hold,
	}
}

// Run executes the churn test against stack.
func (t *BindChurnTester) Run(ctx context.Context, stack *udp.Stack, family udp.Family) (*ChurnMetrics, error) {
	if t.concurrency < 1 {
		return nil, errors.New("concurrency must be positive")
	}
	ctx, cancel := context.WithTimeout(ctx, t.duration)
	defer cancel()

	var wg sync.WaitGroup
	startTime := time.Now()

	for i := 0; i < t.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.runWorker(ctx, stack, family)
		}()
	}

	wg.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.metrics
	m.Duration = time.Since(startTime)
	if m.Duration > 0 {
		m.BindsPerSecond = float64(m.SuccessfulBinds) / m.Duration.Seconds()
	}
	if m.SuccessfulBinds > 0 {
		m.AvgBindTimeUs /= float64(m.SuccessfulBinds)
	}
	return &m, nil
}

func (t *BindChurnTester) runWorker(ctx context.Context, stack *udp.Stack, family udp.Family) {
	wildcard := netip.IPv4Unspecified()
	if family == udp.FamilyIPv6 {
		wildcard = netip.IPv6Unspecified()
	}

	held := make([]*udp.Endpoint, 0, t.hold)
	defer func() {
		for _, ep := range held {
			_ = ep.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if len(held) == t.hold {
			_ = held[0].Close()
			held = held[1:]
		}

		ep, err := stack.NewEndpoint(family, udp.EndpointConfig{})
		if err != nil {
			t.record(err, 0)
			continue
		}
		start := time.Now()
		err = ep.Bind(wildcard, 0, 0)
		elapsed := time.Since(start)
		if err != nil {
			_ = ep.Close()
		} else {
			held = append(held, ep)
		}
		t.record(err, elapsed)
	}
}

func (t *BindChurnTester) record(err error, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.TotalBinds++
	if err != nil {
		t.metrics.FailedBinds++
		if errors.Is(err, udp.ErrNoPortAvailable) {
			t.metrics.Exhausted++
		}
		return
	}
	t.metrics.SuccessfulBinds++
	us := float64(elapsed.Nanoseconds()) / 1e3
	t.metrics.AvgBindTimeUs += us
	if us > t.metrics.MaxBindTimeUs {
		t.metrics.MaxBindTimeUs = us
	}
}

// SendMetrics contains send load test results.
type SendMetrics struct {
	Sent               int64
	Failed             int64
	TotalBytes         int64
	Duration           time.Duration
	DatagramsPerSecond float64
	ThroughputMBps     float64
}

// SendLoadGenerator sends fixed-size datagrams from concurrent endpoints.
type SendLoadGenerator struct {
	concurrency int
	dataSize    int
	duration    time.Duration
}

// NewSendLoadGenerator creates a new send load generator.
func NewSendLoadGenerator(concurrency, dataSize int, duration time.Duration) *SendLoadGenerator {
	return &SendLoadGenerator{
		concurrency: concurrency,
		dataSize:    dataSize,
		duration:    duration,
	}
}

// Run sends to dst from one endpoint per worker until the duration
// elapses. Send failures are counted, not returned.
func (g *SendLoadGenerator) Run(ctx context.Context, stack *udp.Stack, family udp.Family, dst udp.Destination) (*SendMetrics, error) {
	if g.concurrency < 1 {
		return nil, errors.New("concurrency must be positive")
	}
	eps := make([]*udp.Endpoint, 0, g.concurrency)
	defer func() {
		for _, ep := range eps {
			_ = ep.Close()
		}
	}()
	for i := 0; i < g.concurrency; i++ {
		ep, err := stack.NewEndpoint(family, udp.EndpointConfig{})
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}

	ctx, cancel := context.WithTimeout(ctx, g.duration)
	defer cancel()

	var (
		wg                   sync.WaitGroup
		sent, failed, nbytes atomic.Int64
	)
	startTime := time.Now()

	for _, ep := range eps {
		wg.Add(1)
		go func(ep *udp.Endpoint) {
			defer wg.Done()
			data := make([]byte, g.dataSize)
			rand.Read(data)
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if err := ep.Send(&dst, data, nil); err != nil {
					failed.Add(1)
					continue
				}
				sent.Add(1)
				nbytes.Add(int64(len(data)))
			}
		}(ep)
	}

	wg.Wait()

	m := &SendMetrics{
		Sent:       sent.Load(),
		Failed:     failed.Load(),
		TotalBytes: nbytes.Load(),
		Duration:   time.Since(startTime),
	}
	if m.Duration > 0 {
		seconds := m.Duration.Seconds()
		m.DatagramsPerSecond = float64(m.Sent) / seconds
		m.ThroughputMBps = float64(m.TotalBytes) / (1024 * 1024) / seconds
	}
	return m, nil
}
