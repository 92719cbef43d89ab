package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/postalsys/udpengine/internal/chaos"
	"github.com/postalsys/udpengine/internal/config"
	"github.com/postalsys/udpengine/internal/echo"
	"github.com/postalsys/udpengine/internal/health"
	"github.com/postalsys/udpengine/internal/loopback"
	"github.com/postalsys/udpengine/internal/metrics"
	"github.com/postalsys/udpengine/internal/ports"
	"github.com/postalsys/udpengine/internal/sysinfo"
	"github.com/postalsys/udpengine/internal/udp"
)

// engine wires a stack to the loopback IP layer and the echo service.
type engine struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	stack    *udp.Stack
	network  *loopback.Network
	echo     *echo.Server
	running  atomic.Bool
}

// newEngine builds and starts an engine. Datagrams for endpoints other
// than the echo endpoints go to fallback.
func newEngine(cfg *config.Config, logger *slog.Logger, fallback udp.Upcalls) (*engine, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetricsWithRegistry(reg)

	ps, err := ports.New(cfg.PortOptions())
	if err != nil {
		return nil, err
	}

	network, err := loopback.New(loopback.Config{
		Addresses:       cfg.LoopbackAddresses(),
		QueueSize:       int(cfg.Loopback.QueueSize),
		PortUnreachable: cfg.Loopback.PortUnreachable,
		Logger:          logger,
		Metrics:         m,
	})
	if err != nil {
		return nil, fmt.Errorf("loopback: %w", err)
	}

	var ip udp.NetworkLayer = network
	if cfg.Loopback.DropRate > 0 || cfg.Loopback.CorruptRate > 0 {
		ip = chaos.NewNetwork(network, chaos.NewFaultInjector(
			chaos.FaultConfig{Type: chaos.FaultDrop, Probability: cfg.Loopback.DropRate},
			chaos.FaultConfig{Type: chaos.FaultCorrupt, Probability: cfg.Loopback.CorruptRate},
		))
		logger.Warn("loopback fault injection enabled",
			"drop_rate", cfg.Loopback.DropRate,
			"corrupt_rate", cfg.Loopback.CorruptRate)
	}

	srv := echo.New(logger, fallback)
	stack, err := udp.NewStack(cfg.EngineOptions(), ps, ip, srv, logger, m)
	if err != nil {
		return nil, err
	}
	if err := network.Start(stack); err != nil {
		stack.Close()
		return nil, err
	}

	e := &engine{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		metrics:  m,
		stack:    stack,
		network:  network,
		echo:     srv,
	}
	if err := srv.Listen(stack, cfg.Echo.Ports); err != nil {
		_ = e.close(context.Background())
		return nil, err
	}
	e.running.Store(true)
	return e, nil
}

func (e *engine) close(ctx context.Context) error {
	e.running.Store(false)
	e.echo.Close()
	err := e.network.Close(ctx)
	e.stack.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// IsRunning implements health.StatsProvider.
func (e *engine) IsRunning() bool {
	return e.running.Load()
}

// Stats implements health.StatsProvider.
func (e *engine) Stats() health.Stats {
	st := health.Stats{
		EchoPorts: e.echo.Ports(),
		Uptime:    sysinfo.UptimeSeconds(),
		Version:   sysinfo.Version,
	}
	for _, info := range e.stack.Endpoints() {
		st.Endpoints++
		switch info.State {
		case udp.StateIdle:
			st.Bound++
		case udp.StateConnected:
			st.Bound++
			st.Connected++
		}
	}
	st.Delivered, st.Dropped = e.network.Stats()
	st.QueueBytes = e.network.Queued()
	return st
}
