package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/udpengine/internal/loadtest"
	"github.com/postalsys/udpengine/internal/logging"
	"github.com/postalsys/udpengine/internal/udp"
)

const selftestTimeout = 2 * time.Second

// inbox collects what the engine hands to selftest endpoints.
type inbox struct {
	msgs chan *udp.Message
	errs chan error
}

func (in *inbox) Deliver(ep *udp.Endpoint, msg *udp.Message) int {
	select {
	case in.msgs <- msg:
		return len(msg.Payload)
	default:
		return -1
	}
}

func (in *inbox) SetError(ep *udp.Endpoint, err error) {
	select {
	case in.errs <- err:
	default:
	}
}

func (in *inbox) message() (*udp.Message, error) {
	select {
	case m := <-in.msgs:
		return m, nil
	case <-time.After(selftestTimeout):
		return nil, errors.New("timed out")
	}
}

func selftestCmd() *cobra.Command {
	var (
		configPath string
		load       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Exercise the engine over the loopback IP layer",
		Long:  "Start an engine in-process, run datagrams through it, and report the results.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			// Echo on one unprivileged port over a fault-free loopback
			// regardless of configuration.
			cfg.Echo.Ports = []int{7007}
			cfg.Loopback.DropRate = 0
			cfg.Loopback.CorruptRate = 0

			in := &inbox{msgs: make(chan *udp.Message, 4), errs: make(chan error, 4)}
			e, err := newEngine(cfg, logging.NopLogger(), in)
			if err != nil {
				return fmt.Errorf("failed to start engine: %w", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = e.close(ctx)
			}()

			r := newReport(cmd.OutOrStdout())
			r.title("udpengine selftest")

			start := time.Now()
			failed := 0
			run := func(name string, fn func() (string, error)) {
				detail, err := fn()
				if err != nil {
					failed++
				}
				r.check(name, err, detail)
			}

			run("ephemeral bind", func() (string, error) { return checkEphemeral(e) })
			run("ipv4 echo", func() (string, error) { return checkEcho(e, in, udp.FamilyIPv4, "127.0.0.1", 64) })
			run("ipv6 echo", func() (string, error) { return checkEcho(e, in, udp.FamilyIPv6, "::1", 64) })
			run("mapped echo", func() (string, error) { return checkEcho(e, in, udp.FamilyIPv6, "::ffff:127.0.0.1", 64) })
			run("largest datagram", func() (string, error) { return checkEcho(e, in, udp.FamilyIPv4, "127.0.0.1", 65507) })
			if cfg.Loopback.PortUnreachable {
				run("port unreachable", func() (string, error) { return checkRefused(e, in) })
			} else {
				r.skip("port unreachable", "disabled in configuration")
			}

			if load > 0 {
				r.line("")
				run("bind churn", func() (string, error) { return runChurn(cmd.Context(), e, load) })
				run("send load", func() (string, error) { return runSendLoad(cmd.Context(), e, load) })
			}

			st := e.Stats()
			echoed, _ := e.echo.Stats()
			r.line("")
			r.field("Datagrams", fmt.Sprintf("%s delivered, %s dropped, %s echoed",
				humanize.Comma(int64(st.Delivered)), humanize.Comma(int64(st.Dropped)), humanize.Comma(int64(echoed))))
			r.field("Loopback queue", humanize.IBytes(uint64(cfg.Loopback.QueueSize)))
			r.field("Elapsed", time.Since(start).Round(time.Microsecond).String())

			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().DurationVar(&load, "load", 0, "Also run bind churn and send load for this long each")

	return cmd
}

func runChurn(ctx context.Context, e *engine, d time.Duration) (string, error) {
	m, err := loadtest.NewBindChurnTester(4, d, 16).Run(ctx, e.stack, udp.FamilyIPv4)
	if err != nil {
		return "", err
	}
	if m.SuccessfulBinds == 0 {
		return "", fmt.Errorf("%s binds failed", humanize.Comma(m.FailedBinds))
	}
	return fmt.Sprintf("%s binds/s, avg %.1fus, max %.1fus",
		humanize.Comma(int64(m.BindsPerSecond)), m.AvgBindTimeUs, m.MaxBindTimeUs), nil
}

func runSendLoad(ctx context.Context, e *engine, d time.Duration) (string, error) {
	// Port 9 has no listener; the generator measures the send path and the
	// loopback discards what it cannot queue.
	dst := udp.Destination{Addr: netip.MustParseAddr("127.0.0.1"), Port: 9}
	m, err := loadtest.NewSendLoadGenerator(4, 1024, d).Run(ctx, e.stack, udp.FamilyIPv4, dst)
	if err != nil {
		return "", err
	}
	if m.Sent == 0 {
		return "", errors.New("no datagrams sent")
	}
	return fmt.Sprintf("%s datagrams/s, %.2f MB/s, %s failed",
		humanize.Comma(int64(m.DatagramsPerSecond)), m.ThroughputMBps, humanize.Comma(m.Failed)), nil
}

func checkEphemeral(e *engine) (string, error) {
	ep, err := e.stack.NewEndpoint(udp.FamilyIPv4, udp.EndpointConfig{})
	if err != nil {
		return "", err
	}
	defer ep.Close()

	if err := ep.Bind(netip.IPv4Unspecified(), 0, 0); err != nil {
		return "", err
	}
	port := int(ep.LocalAddr().Port())
	if port < e.cfg.Ports.SmallestAnon || port > e.cfg.Ports.LargestAnon {
		return "", fmt.Errorf("port %d outside [%d, %d]", port, e.cfg.Ports.SmallestAnon, e.cfg.Ports.LargestAnon)
	}
	return fmt.Sprintf("port %d", port), nil
}

func checkEcho(e *engine, in *inbox, family udp.Family, addr string, size int) (string, error) {
	ep, err := e.stack.NewEndpoint(family, udp.EndpointConfig{})
	if err != nil {
		return "", err
	}
	defer ep.Close()

	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}
	dst := netip.MustParseAddr(addr)
	start := time.Now()
	if err := ep.Send(&udp.Destination{Addr: dst, Port: 7007}, payload, nil); err != nil {
		return "", err
	}
	msg, err := in.message()
	if err != nil {
		return "", err
	}
	if len(msg.Payload) != size {
		return "", fmt.Errorf("echo carried %d bytes, sent %d", len(msg.Payload), size)
	}
	return fmt.Sprintf("%s from %s in %s", humanize.IBytes(uint64(size)), msg.Source, time.Since(start).Round(time.Microsecond)), nil
}

func checkRefused(e *engine, in *inbox) (string, error) {
	// Find a port nobody is bound to by binding and releasing it.
	probe, err := e.stack.NewEndpoint(udp.FamilyIPv4, udp.EndpointConfig{})
	if err != nil {
		return "", err
	}
	if err := probe.Bind(netip.IPv4Unspecified(), 0, 0); err != nil {
		return "", err
	}
	port := probe.LocalAddr().Port()
	_ = probe.Close()

	ep, err := e.stack.NewEndpoint(udp.FamilyIPv4, udp.EndpointConfig{})
	if err != nil {
		return "", err
	}
	defer ep.Close()
	if err := ep.Bind(netip.MustParseAddr("127.0.0.1"), 0, 0); err != nil {
		return "", err
	}
	if err := ep.Connect(udp.Destination{Addr: netip.MustParseAddr("127.0.0.1"), Port: port}); err != nil {
		return "", err
	}
	if err := ep.Send(nil, []byte("anyone?"), nil); err != nil {
		return "", err
	}

	select {
	case err := <-in.errs:
		if !errors.Is(err, udp.ErrConnectionRefused) {
			return "", fmt.Errorf("got %v, want connection refused", err)
		}
		return fmt.Sprintf("port %d refused", port), nil
	case <-time.After(selftestTimeout):
		return "", errors.New("no error reported")
	}
}
