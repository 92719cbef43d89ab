package udp

import (
	"net/netip"
	"sync"
)

// bindBucket is one independently locked chain of the bind table. Within a
// chain, endpoints bound to a specific address precede those bound to the
// wildcard address.
type bindBucket struct {
	mu   sync.Mutex
	head *Endpoint
}

// bindTable maps local ports to the endpoints bound to them.
type bindTable struct {
	buckets []bindBucket
}

func newBindTable(n int) *bindTable {
	if n < 1 {
		n = 1
	}
	return &bindTable{buckets: make([]bindBucket, n)}
}

func (t *bindTable) bucket(port uint16) *bindBucket {
	return &t.buckets[int(port)%len(t.buckets)]
}

// insert links ep into the chain. A wildcard-bound endpoint goes in front
// of the first wildcard entry, after every specific one; a specific
// endpoint goes to the head. The caller holds b.mu.
func (b *bindBucket) insert(ep *Endpoint) {
	link := &b.head
	if isAny(ep.boundSrc) {
		for *link != nil && !isAny((*link).boundSrc) {
			link = &(*link).bindNext
		}
	}
	ep.bindNext = *link
	if ep.bindNext != nil {
		ep.bindNext.bindPrev = &ep.bindNext
	}
	ep.bindPrev = link
	*link = ep
	ep.bucket = b
}

// remove unlinks ep. Removing an endpoint that is not linked does nothing.
// The caller holds b.mu.
func (b *bindBucket) remove(ep *Endpoint) {
	if ep.bindPrev == nil {
		return
	}
	*ep.bindPrev = ep.bindNext
	if ep.bindNext != nil {
		ep.bindNext.bindPrev = ep.bindPrev
	}
	ep.bindNext = nil
	ep.bindPrev = nil
	ep.bucket = nil
}

// findConflict returns the first endpoint that prevents ep from binding
// src:port, and whether an exclusive bind was involved. When
// skipOtherVersion is set, endpoints of the other IP version are ignored
// unless one side is exclusive. The caller holds b.mu.
func (b *bindBucket) findConflict(ep *Endpoint, src netip.Addr, version int, port uint16, skipOtherVersion bool) (*Endpoint, bool) {
	wild := isAny(src)
	for e := b.head; e != nil; e = e.bindNext {
		if e == ep || e.port != port {
			continue
		}
		if !zoneMatch(e.zone, ep.zone) {
			continue
		}

		// With an exclusive bind on either side a wildcard overlaps
		// everything and only distinct specific addresses coexist.
		if e.exclBind.Load() || ep.exclBind.Load() {
			if isAny(e.boundSrc) || wild || e.boundSrc == src {
				return e, true
			}
			continue
		}

		if e.ipversion != version && skipOtherVersion {
			continue
		}
		if !wild && !isAny(e.boundSrc) && e.boundSrc != src {
			continue
		}
		return e, false
	}
	return nil, false
}

// findConnected returns a connected endpoint other than ep already using
// the given 4-tuple. The caller holds b.mu.
func (b *bindBucket) findConnected(ep *Endpoint, src netip.Addr, t target) *Endpoint {
	for e := b.head; e != nil; e = e.bindNext {
		if e == ep || e.state != StateConnected {
			continue
		}
		if e.port != ep.port || e.ipversion != t.version || e.remotePort != t.port {
			continue
		}
		if e.src != src || e.remote != t.addr {
			continue
		}
		if !zoneMatch(e.zone, ep.zone) {
			continue
		}
		return e
	}
	return nil
}

// flow identifies a datagram from the point of view of the receiving
// endpoint: local is where it was sent, peer where it came from.
type flow struct {
	version   int
	local     netip.Addr
	localPort uint16
	peer      netip.Addr
	peerPort  uint16
	zone      Zone
}

// lookup returns the endpoints that should receive a datagram for f. With
// all set every matching endpoint is returned in chain order. Otherwise a
// connected endpoint whose peer matches wins over the first unconnected
// match. With loosePeer, connected endpoints match regardless of their
// peer, which is how error notifications find their endpoint.
func (t *bindTable) lookup(f flow, all, loosePeer bool) []*Endpoint {
	b := t.bucket(f.localPort)
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Endpoint
	var fallback *Endpoint
	for e := b.head; e != nil; e = e.bindNext {
		if !e.accepts(f) {
			continue
		}
		peerMatch := e.state == StateConnected && e.remote == f.peer && e.remotePort == f.peerPort
		if e.state == StateConnected && !peerMatch && !loosePeer {
			continue
		}
		if all {
			out = append(out, e)
			continue
		}
		if peerMatch {
			return []*Endpoint{e}
		}
		if fallback == nil {
			fallback = e
		}
	}
	if fallback != nil {
		out = append(out, fallback)
	}
	return out
}

// walk calls fn for every endpoint bound to port, in chain order, with the
// bucket locked.
func (t *bindTable) walk(port uint16, fn func(e *Endpoint) bool) {
	b := t.bucket(port)
	b.mu.Lock()
	defer b.mu.Unlock()
	for e := b.head; e != nil; e = e.bindNext {
		if e.port != port {
			continue
		}
		if !fn(e) {
			return
		}
	}
}
