package udp

import (
	"fmt"
	"net/netip"
	"strconv"

	"github.com/postalsys/udpengine/internal/logging"
)

// Send transmits payload to dst, or to the connected peer when dst is nil.
// Errors from the IP layer are reported only when the endpoint has error
// indication enabled, which Connect does.
func (ep *Endpoint) Send(dst *Destination, payload []byte, so *SendOptions) error {
	pkt, errind, err := ep.prepareSend(dst, payload, so)
	if err != nil {
		ep.stack.metrics.RecordOutError(errnoLabel(err))
		ep.stack.drops.Debug("send rejected",
			logging.KeyEndpointID, ep.id,
			logging.KeyLength, len(payload),
			logging.KeyError, err)
		return err
	}

	if err := ep.stack.network.WritePacket(pkt); err != nil {
		ep.stack.metrics.RecordOutError(errnoLabel(err))
		if errind {
			return fmt.Errorf("write packet: %w", err)
		}
		return nil
	}

	ep.stack.metrics.RecordDatagramOut(strconv.Itoa(pkt.Version), len(payload))
	return nil
}

// prepareSend resolves the destination, applies the endpoint state rules
// and builds the datagram. All of it happens under mu; the caller hands
// the result to the IP layer after the lock is released.
func (ep *Endpoint) prepareSend(dst *Destination, payload []byte, so *SendOptions) (*OutboundPacket, bool, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.destroyed {
		return nil, false, ErrClosed
	}

	var t target
	if dst == nil {
		if ep.state != StateConnected {
			return nil, false, ErrDestinationRequired
		}
		t = target{version: ep.ipversion, addr: ep.remote, port: ep.remotePort, flowinfo: ep.flowinfo}
	} else {
		var err error
		if t, err = ep.resolve(*dst); err != nil {
			return nil, false, err
		}
		if ep.state == StateUnbound {
			if err := ep.bindLocked(netip.Addr{}, 0, 0); err != nil {
				return nil, false, fmt.Errorf("implicit bind: %w", err)
			}
		}
	}

	// A stored error is consumed by the next send whatever its target.
	if d := ep.delayed; d != nil {
		ep.delayed = nil
		if d.addr == t.addrPort() {
			ep.stack.metrics.RecordDelayedDelivered()
			return nil, false, d.err
		}
	}

	if dst != nil && ep.state == StateConnected {
		return nil, false, ErrAlreadyConnected
	}

	if !isAny(ep.src) && versionOf(ep.src) != t.version {
		return nil, false, fmt.Errorf("%w: source %s cannot reach %s", ErrAddressNotAvailable, ep.src, t.addr)
	}

	if err := ep.refreshLabel(t); err != nil {
		return nil, false, err
	}

	var pkt *OutboundPacket
	var err error
	if t.version == 4 {
		pkt, err = ep.buildV4(t, payload, so)
	} else {
		pkt, err = ep.buildV6(t, payload, so)
	}
	if err != nil {
		return nil, false, err
	}
	return pkt, ep.errind, nil
}

// refreshLabel recomputes the security label when the destination differs
// from the one it was computed for. The caller holds mu for writing.
func (ep *Endpoint) refreshLabel(t target) error {
	ap := t.addrPort()
	if ep.labelValid && ep.lastDst == ap {
		return nil
	}

	l := ep.stack.currentLabeler()
	if l == nil {
		ep.lastDst = ap
		ep.lastLabel = nil
		ep.labelValid = false
		return nil
	}

	label, err := l.Label(external(t.addr, ep.family), ep.cred)
	if err != nil {
		ep.labelValid = false
		return fmt.Errorf("compute security label: %w", err)
	}
	ep.lastDst = ap
	ep.lastLabel = label
	ep.labelValid = true
	return nil
}
