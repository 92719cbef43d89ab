package udp

import (
	"fmt"
	"net/netip"
	"slices"

	"github.com/postalsys/udpengine/internal/header"
)

// Option names an endpoint option.
type Option int

// Boolean options.
const (
	OptReuseAddress Option = iota + 1
	OptExclusiveBind
	OptAnonPrivBind
	OptV6Only
	OptDontFragment
	OptDgramErrInd
	OptRcvHdr

	// Receive flags selecting ancillary items.
	OptRecvDstAddr
	OptRecvOpts
	OptRecvPktInfo
	OptRecvLinkAddr
	OptRecvIf
	OptRecvUcred
	OptTimestamp
	OptRecvTTL
	OptRecvHopLimit
	OptRecvTClass
	OptRecvHopOpts
	OptRecvRtDstOpts
	OptRecvRtHdr
	OptRecvDstOpts
	OptRecvPathMTU
)

// Integer options.
const (
	OptTTL Option = iota + 100
	OptTOS
	OptMulticastTTL
	OptUnicastHops
	OptMulticastHops
	OptTrafficClass
	OptSendBuffer
	OptReceiveBuffer
	OptSendLowat
)

// Structured options.
const (
	OptIPOptions Option = iota + 200
	OptHopOpts
	OptRtDstOpts
	OptRtHdr
	OptDstOpts
	OptPktInfo
	OptNextHop
	OptMulticastInterface
	OptSecurityLabel
)

// Receive flag bits, one per ancillary item.
const (
	recvDstAddr uint32 = 1 << iota
	recvOpts
	recvPktInfo
	recvLinkAddr
	recvIf
	recvUcred
	recvTimestamp
	recvTTL
	recvHopLimit
	recvTClass
	recvHopOpts
	recvRtDstOpts
	recvRtHdr
	recvDstOpts
	recvPathMTU
)

var recvFlagOf = map[Option]uint32{
	OptRecvDstAddr:   recvDstAddr,
	OptRecvOpts:      recvOpts,
	OptRecvPktInfo:   recvPktInfo,
	OptRecvLinkAddr:  recvLinkAddr,
	OptRecvIf:        recvIf,
	OptRecvUcred:     recvUcred,
	OptTimestamp:     recvTimestamp,
	OptRecvTTL:       recvTTL,
	OptRecvHopLimit:  recvHopLimit,
	OptRecvTClass:    recvTClass,
	OptRecvHopOpts:   recvHopOpts,
	OptRecvRtDstOpts: recvRtDstOpts,
	OptRecvRtHdr:     recvRtHdr,
	OptRecvDstOpts:   recvDstOpts,
	OptRecvPathMTU:   recvPathMTU,
}

// v6Only reports whether opt only makes sense on an IPv6 endpoint.
func v6Only(opt Option) bool {
	switch opt {
	case OptV6Only, OptRecvHopLimit, OptRecvTClass, OptRecvHopOpts,
		OptRecvRtDstOpts, OptRecvRtHdr, OptRecvDstOpts, OptRecvPathMTU,
		OptUnicastHops, OptMulticastHops, OptTrafficClass,
		OptHopOpts, OptRtDstOpts, OptRtHdr, OptDstOpts, OptPktInfo, OptNextHop:
		return true
	}
	return false
}

// stickyOptions are the per-endpoint settings applied to every send and
// receive. Guarded by Endpoint.mu.
type stickyOptions struct {
	anonPriv  bool
	dontFrag  bool
	rcvHdr    bool
	recvFlags uint32

	// IPv4
	ttl       uint8
	tos       uint8
	mcastTTL  uint8
	ipOptions []byte
	mcastIf   netip.Addr

	// IPv6; hopLimit and mcastHops are -1 for the stack default.
	hopLimit  int
	mcastHops int
	tclass    uint8
	pktinfo   PacketInfo
	nextHop   netip.Addr
	hopOpts   []byte
	rtDstOpts []byte
	rtHdr     []byte
	dstOpts   []byte

	sndHiwat int
	sndLowat int
	rcvHiwat int
}

func defaultSticky(o Options) stickyOptions {
	return stickyOptions{
		ttl:       o.TTL,
		mcastTTL:  o.MulticastTTL,
		hopLimit:  -1,
		mcastHops: -1,
		sndHiwat:  o.SendHiwat,
		sndLowat:  o.SendLowat,
		rcvHiwat:  o.RecvHiwat,
	}
}

func (ep *Endpoint) checkOption(opt Option) error {
	if ep.destroyed {
		return ErrClosed
	}
	if v6Only(opt) && ep.family != FamilyIPv6 {
		return fmt.Errorf("%w: option %d on %s endpoint", ErrNoProtocolOption, opt, ep.family)
	}
	return nil
}

// SetSockOptBool sets a boolean option.
func (ep *Endpoint) SetSockOptBool(opt Option, v bool) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if err := ep.checkOption(opt); err != nil {
		return err
	}

	if flag, ok := recvFlagOf[opt]; ok {
		if v {
			ep.opts.recvFlags |= flag
		} else {
			ep.opts.recvFlags &^= flag
		}
		return nil
	}

	switch opt {
	case OptReuseAddress:
		ep.reuseAddr.Store(v)
	case OptExclusiveBind:
		ep.exclBind.Store(v)
	case OptAnonPrivBind:
		if v && !ep.cred.Privileged {
			return ErrAccess
		}
		ep.opts.anonPriv = v
	case OptV6Only:
		ep.v6only.Store(v)
	case OptDontFragment:
		ep.opts.dontFrag = v
	case OptDgramErrInd:
		ep.errind = v
	case OptRcvHdr:
		ep.opts.rcvHdr = v
	default:
		return ErrNoProtocolOption
	}
	return nil
}

// GetSockOptBool reads a boolean option.
func (ep *Endpoint) GetSockOptBool(opt Option) (bool, error) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if err := ep.checkOption(opt); err != nil {
		return false, err
	}

	if flag, ok := recvFlagOf[opt]; ok {
		return ep.opts.recvFlags&flag != 0, nil
	}

	switch opt {
	case OptReuseAddress:
		return ep.reuseAddr.Load(), nil
	case OptExclusiveBind:
		return ep.exclBind.Load(), nil
	case OptAnonPrivBind:
		return ep.opts.anonPriv, nil
	case OptV6Only:
		return ep.v6only.Load(), nil
	case OptDontFragment:
		return ep.opts.dontFrag, nil
	case OptDgramErrInd:
		return ep.errind, nil
	case OptRcvHdr:
		return ep.opts.rcvHdr, nil
	}
	return false, ErrNoProtocolOption
}

// SetSockOptInt sets an integer option.
func (ep *Endpoint) SetSockOptInt(opt Option, v int) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if err := ep.checkOption(opt); err != nil {
		return err
	}

	maxBuf := ep.stack.opts.MaxBuf
	switch opt {
	case OptTTL, OptTOS, OptMulticastTTL:
		if v < 0 || v > 255 {
			return fmt.Errorf("%w: value %d out of range", ErrInvalid, v)
		}
		switch opt {
		case OptTTL:
			ep.opts.ttl = uint8(v)
		case OptTOS:
			ep.opts.tos = uint8(v)
		default:
			ep.opts.mcastTTL = uint8(v)
		}
	case OptUnicastHops, OptMulticastHops:
		if v < -1 || v > 255 {
			return fmt.Errorf("%w: hop limit %d out of range", ErrInvalid, v)
		}
		if opt == OptUnicastHops {
			ep.opts.hopLimit = v
		} else {
			ep.opts.mcastHops = v
		}
	case OptTrafficClass:
		if v < -1 || v > 255 {
			return fmt.Errorf("%w: traffic class %d out of range", ErrInvalid, v)
		}
		if v == -1 {
			v = 0
		}
		ep.opts.tclass = uint8(v)
	case OptSendBuffer, OptReceiveBuffer, OptSendLowat:
		if v < 0 {
			return fmt.Errorf("%w: buffer size %d", ErrInvalid, v)
		}
		if v > maxBuf {
			return ErrNoBufferSpace
		}
		switch opt {
		case OptSendBuffer:
			ep.opts.sndHiwat = v
		case OptReceiveBuffer:
			ep.opts.rcvHiwat = v
		default:
			ep.opts.sndLowat = min(v, ep.opts.sndHiwat)
		}
	default:
		return ErrNoProtocolOption
	}
	return nil
}

// GetSockOptInt reads an integer option. The hop limits report the value
// in effect, resolving the -1 default.
func (ep *Endpoint) GetSockOptInt(opt Option) (int, error) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if err := ep.checkOption(opt); err != nil {
		return 0, err
	}

	switch opt {
	case OptTTL:
		return int(ep.opts.ttl), nil
	case OptTOS:
		return int(ep.opts.tos), nil
	case OptMulticastTTL:
		return int(ep.opts.mcastTTL), nil
	case OptUnicastHops:
		return int(ep.unicastHops()), nil
	case OptMulticastHops:
		return int(ep.multicastHops()), nil
	case OptTrafficClass:
		return int(ep.opts.tclass), nil
	case OptSendBuffer:
		return ep.opts.sndHiwat, nil
	case OptReceiveBuffer:
		return ep.opts.rcvHiwat, nil
	case OptSendLowat:
		return ep.opts.sndLowat, nil
	}
	return 0, ErrNoProtocolOption
}

func (ep *Endpoint) unicastHops() uint8 {
	if ep.opts.hopLimit >= 0 {
		return uint8(ep.opts.hopLimit)
	}
	return ep.stack.opts.HopLimit
}

func (ep *Endpoint) multicastHops() uint8 {
	if ep.opts.mcastHops >= 0 {
		return uint8(ep.opts.mcastHops)
	}
	return ep.stack.opts.MulticastTTL
}

// SetSockOpt sets a structured option. IPv4 options and IPv6 extension
// headers take a []byte (nil or empty clears them), OptPktInfo takes a
// PacketInfo, OptNextHop and OptMulticastInterface take a netip.Addr.
func (ep *Endpoint) SetSockOpt(opt Option, v any) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if err := ep.checkOption(opt); err != nil {
		return err
	}

	switch opt {
	case OptIPOptions, OptHopOpts, OptRtDstOpts, OptRtHdr, OptDstOpts:
		b, ok := v.([]byte)
		if !ok {
			return fmt.Errorf("%w: option %d takes []byte, got %T", ErrInvalid, opt, v)
		}
		return ep.setHeaderOption(opt, b)

	case OptPktInfo:
		pi, ok := v.(PacketInfo)
		if !ok {
			return fmt.Errorf("%w: packet info option takes PacketInfo, got %T", ErrInvalid, v)
		}
		if pi.Addr.IsValid() && pi.Addr.Is4In6() {
			return ErrAddressNotAvailable
		}
		if pi.Addr.IsValid() {
			pi.Addr = canon(pi.Addr)
		}
		ep.opts.pktinfo = pi

	case OptNextHop, OptMulticastInterface:
		a, ok := v.(netip.Addr)
		if !ok {
			return fmt.Errorf("%w: option %d takes netip.Addr, got %T", ErrInvalid, opt, v)
		}
		if a.IsValid() {
			a = canon(a)
		}
		if opt == OptNextHop {
			ep.opts.nextHop = a
			return nil
		}
		if a.IsValid() && !is4(a) {
			return fmt.Errorf("%w: multicast interface %s is not IPv4", ErrInvalid, a)
		}
		ep.opts.mcastIf = a

	case OptSecurityLabel:
		return fmt.Errorf("%w: security label is computed per destination", ErrNoProtocolOption)

	default:
		return ErrNoProtocolOption
	}
	return nil
}

func (ep *Endpoint) setHeaderOption(opt Option, b []byte) error {
	if len(b) == 0 {
		b = nil
	}
	var err error
	switch opt {
	case OptIPOptions:
		err = header.ValidateIPv4Options(b)
	case OptRtHdr:
		err = header.ValidateRouting(b)
	default:
		err = header.ValidateExtension(b)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	b = slices.Clone(b)
	switch opt {
	case OptIPOptions:
		ep.opts.ipOptions = b
	case OptHopOpts:
		ep.opts.hopOpts = b
	case OptRtDstOpts:
		ep.opts.rtDstOpts = b
	case OptRtHdr:
		ep.opts.rtHdr = b
	case OptDstOpts:
		ep.opts.dstOpts = b
	}
	return nil
}

// GetSockOpt reads a structured option. Byte slices are copies.
func (ep *Endpoint) GetSockOpt(opt Option) (any, error) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if err := ep.checkOption(opt); err != nil {
		return nil, err
	}

	switch opt {
	case OptIPOptions:
		return slices.Clone(ep.opts.ipOptions), nil
	case OptHopOpts:
		return slices.Clone(ep.opts.hopOpts), nil
	case OptRtDstOpts:
		return slices.Clone(ep.opts.rtDstOpts), nil
	case OptRtHdr:
		return slices.Clone(ep.opts.rtHdr), nil
	case OptDstOpts:
		return slices.Clone(ep.opts.dstOpts), nil
	case OptPktInfo:
		return ep.opts.pktinfo, nil
	case OptNextHop:
		return ep.opts.nextHop, nil
	case OptMulticastInterface:
		return external(ep.opts.mcastIf, FamilyIPv4), nil
	case OptSecurityLabel:
		return slices.Clone(ep.lastLabel), nil
	}
	return nil, ErrNoProtocolOption
}
