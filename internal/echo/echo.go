// Package echo answers datagrams on a set of ports with the same payload,
// in the manner of the RFC 862 echo service.
package echo

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/postalsys/udpengine/internal/logging"
	"github.com/postalsys/udpengine/internal/udp"
)

// Server implements udp.Upcalls. Datagrams for its own endpoints are
// echoed; everything else goes to the fallback.
type Server struct {
	logger   *slog.Logger
	fallback udp.Upcalls

	mu        sync.RWMutex
	endpoints map[*udp.Endpoint]uint16

	echoed atomic.Uint64
	failed atomic.Uint64
}

// New creates a Server. fallback may be nil, in which case datagrams for
// other endpoints are refused.
func New(logger *slog.Logger, fallback udp.Upcalls) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Server{
		logger:    logging.WithComponent(logger, "echo"),
		fallback:  fallback,
		endpoints: make(map[*udp.Endpoint]uint16),
	}
}

// Listen opens one dual-stack endpoint per port on the IPv6 wildcard
// address. Echo endpoints run with privileged credentials so that
// well-known ports can be used.
func (s *Server) Listen(stack *udp.Stack, ports []int) error {
	for _, p := range ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("invalid echo port %d", p)
		}
		ep, err := stack.NewEndpoint(udp.FamilyIPv6, udp.EndpointConfig{
			Credentials: udp.Credentials{Privileged: true},
		})
		if err != nil {
			return err
		}
		if err := ep.Bind(netip.IPv6Unspecified(), uint16(p), udp.BindExactPort); err != nil {
			_ = ep.Close()
			return fmt.Errorf("bind echo port %d: %w", p, err)
		}

		s.mu.Lock()
		s.endpoints[ep] = uint16(p)
		s.mu.Unlock()

		s.logger.Info("echo listening",
			logging.KeyEndpointID, ep.ID(),
			logging.KeyPort, p)
	}
	return nil
}

// Ports returns the ports being served.
func (s *Server) Ports() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, 0, len(s.endpoints))
	for _, p := range s.endpoints {
		out = append(out, int(p))
	}
	return out
}

// Stats returns the number of datagrams echoed and the number of replies
// that could not be sent.
func (s *Server) Stats() (echoed, failed uint64) {
	return s.echoed.Load(), s.failed.Load()
}

// Close closes every echo endpoint.
func (s *Server) Close() {
	s.mu.Lock()
	eps := s.endpoints
	s.endpoints = make(map[*udp.Endpoint]uint16)
	s.mu.Unlock()

	for ep := range eps {
		_ = ep.Close()
	}
}

func (s *Server) owns(ep *udp.Endpoint) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.endpoints[ep]
	return ok
}

// Deliver implements udp.Upcalls.
func (s *Server) Deliver(ep *udp.Endpoint, msg *udp.Message) int {
	if !s.owns(ep) {
		if s.fallback == nil {
			return -1
		}
		return s.fallback.Deliver(ep, msg)
	}
	if dst, mtu, ok := msg.Ancillary.PathMTU(); ok {
		s.logger.Debug("echo path MTU notice",
			logging.KeyRemoteAddr, dst,
			"mtu", mtu)
		return 0
	}

	dst := &udp.Destination{Addr: msg.Source.Addr(), Port: msg.Source.Port()}
	if err := ep.Send(dst, msg.Payload, nil); err != nil {
		s.failed.Add(1)
		s.logger.Debug("echo reply failed",
			logging.KeyRemoteAddr, msg.Source,
			logging.KeyError, err)
		return 0
	}
	s.echoed.Add(1)
	return 0
}

// SetError implements udp.Upcalls.
func (s *Server) SetError(ep *udp.Endpoint, err error) {
	if !s.owns(ep) && s.fallback != nil {
		s.fallback.SetError(ep, err)
		return
	}
	s.logger.Debug("echo endpoint error",
		logging.KeyEndpointID, ep.ID(),
		logging.KeyError, err)
}
