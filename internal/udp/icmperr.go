package udp

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"

	"github.com/postalsys/udpengine/internal/errno"
	"github.com/postalsys/udpengine/internal/icmp"
	"github.com/postalsys/udpengine/internal/logging"
	"github.com/postalsys/udpengine/internal/recovery"
)

// HandleControl processes an ICMP (version 4) or ICMPv6 (version 6) error
// message about a datagram this node sent. Port unreachable and the
// matching parameter problem are reported to the sending endpoint when it
// has error indication enabled: immediately if the error is about its
// connected peer, otherwise on its next send to that address. Packet too
// big is delivered as a path MTU notice to endpoints that asked for one.
func (s *Stack) HandleControl(version int, msg []byte) error {
	n, err := icmp.Parse(version, msg)
	if err != nil {
		if errors.Is(err, icmp.ErrNotError) || errors.Is(err, icmp.ErrNotUDP) {
			return nil
		}
		s.metrics.RecordInError("bad_icmp")
		return fmt.Errorf("handle control: %w", err)
	}

	effect, code := n.Effect()
	s.metrics.RecordICMP(strconv.Itoa(version), effect.String())
	if effect == icmp.EffectIgnore || effect == icmp.EffectAdvisory {
		return nil
	}

	f := flow{
		version:   version,
		local:     canon(n.Src),
		localPort: n.SrcPort,
		peer:      canon(n.Dst),
		peerPort:  n.DstPort,
		zone:      AllZones,
	}
	eps := s.table.lookup(f, false, true)
	if len(eps) == 0 {
		return nil
	}
	ep := eps[0]

	if effect == icmp.EffectPathMTU {
		s.deliverPathMTU(ep, n)
		return nil
	}

	var uerr error = ErrConnectionRefused
	if code != errno.ECONNREFUSED {
		uerr = newError(errno.Name(code), code)
	}
	s.reportError(ep, f, uerr)
	return nil
}

// reportError hands err to ep, or stores it for the next send when it is
// about a destination other than the connected peer.
func (s *Stack) reportError(ep *Endpoint, f flow, err error) {
	peer := netip.AddrPortFrom(f.peer, f.peerPort)

	ep.mu.Lock()
	if ep.destroyed || !ep.errind {
		ep.mu.Unlock()
		return
	}
	if ep.state == StateConnected && ep.remote == f.peer && ep.remotePort == f.peerPort {
		ep.mu.Unlock()
		recovery.Call(s.logger, "set error", s.upcallPanicked, func() {
			s.upcalls.SetError(ep, err)
		})
		s.metrics.RecordErrorDelivered()
		s.logger.Debug("error delivered",
			logging.KeyEndpointID, ep.id,
			logging.KeyRemoteAddr, peer,
			logging.KeyError, err)
		return
	}
	ep.delayed = &delayedError{addr: peer, err: err}
	ep.mu.Unlock()

	s.metrics.RecordDelayedStored()
	s.logger.Debug("error stored for next send",
		logging.KeyEndpointID, ep.id,
		logging.KeyRemoteAddr, peer,
		logging.KeyError, err)
}

// deliverPathMTU queues a path MTU notice on ep as an empty message.
func (s *Stack) deliverPathMTU(ep *Endpoint, n *icmp.Notification) {
	ep.mu.RLock()
	if ep.destroyed || ep.opts.recvFlags&recvPathMTU == 0 {
		ep.mu.RUnlock()
		return
	}
	src := netip.AddrPortFrom(external(canon(n.Dst), ep.family), n.DstPort)
	if ep.state == StateConnected {
		src = netip.AddrPortFrom(external(ep.remote, ep.family), ep.remotePort)
	}
	msg := &Message{
		Source:      src,
		Destination: netip.AddrPortFrom(external(canon(n.Src), ep.family), n.SrcPort),
		Payload:     []byte{},
		Ancillary: Ancillary{{
			Level: LevelIPv6,
			Type:  AncPathMTU,
			Data:  pathMTUData(n.Dst.As16(), n.DstPort, uint32(n.MTU)),
		}},
	}
	ep.mu.RUnlock()

	if queued, ok := s.callDeliver(ep, msg); ok && queued >= 0 {
		s.logger.Debug("path MTU notice delivered",
			logging.KeyEndpointID, ep.id,
			logging.KeyRemoteAddr, n.Peer(),
			"mtu", n.MTU)
	}
}
