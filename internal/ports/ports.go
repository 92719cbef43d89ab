// Package ports implements the port space shared by all datagram endpoints:
// anonymous and privileged port selection, the administratively reserved
// port lists and the advisory "next port to try" cursors.
//
// The space does not track which ports are in use. Callers probe their own
// bind table with the candidate returned here and come back for the next
// candidate on conflict.
package ports

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// ReservedPort is the first port that does not need privilege on a
// conventional host. The privileged cursor counts down from just below it.
const ReservedPort = 1024

// Options configures a Space.
type Options struct {
	// SmallestNonPriv is the first port an unprivileged caller may bind.
	SmallestNonPriv uint16

	// SmallestAnon and LargestAnon bound the anonymous (ephemeral) range.
	SmallestAnon uint16
	LargestAnon  uint16

	// MinAnonPriv is the lowest port handed out for anonymous privileged binds.
	MinAnonPriv uint16

	// ExtraPrivileged lists ports above SmallestNonPriv that still need
	// privilege. They are never handed out anonymously.
	ExtraPrivileged []uint16

	// Excluded lists ports that are never handed out anonymously.
	Excluded []uint16

	// RandomAnon starts anonymous searches from a random point instead
	// of the shared cursor.
	RandomAnon bool
}

// DefaultOptions returns the conventional port layout.
func DefaultOptions() Options {
	return Options{
		SmallestNonPriv: 1024,
		SmallestAnon:    32768,
		LargestAnon:     65535,
		MinAnonPriv:     512,
		ExtraPrivileged: []uint16{2049, 4045},
		RandomAnon:      true,
	}
}

// Validate checks the range bounds for consistency.
func (o Options) Validate() error {
	var errs []string

	if o.SmallestNonPriv == 0 {
		errs = append(errs, "smallest_nonpriv must be positive")
	}
	if o.SmallestAnon == 0 || o.LargestAnon == 0 {
		errs = append(errs, "anonymous port range must be positive")
	}
	if o.SmallestAnon > o.LargestAnon {
		errs = append(errs, fmt.Sprintf("smallest_anon (%d) exceeds largest_anon (%d)", o.SmallestAnon, o.LargestAnon))
	}
	if o.SmallestNonPriv > o.LargestAnon {
		errs = append(errs, fmt.Sprintf("smallest_nonpriv (%d) exceeds largest_anon (%d)", o.SmallestNonPriv, o.LargestAnon))
	}
	if o.MinAnonPriv == 0 || o.MinAnonPriv >= ReservedPort {
		errs = append(errs, fmt.Sprintf("min_anonpriv must be between 1 and %d", ReservedPort-1))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid port options: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Filter reports whether port is unavailable to a particular caller, for
// example because it is carved out for another isolation zone.
type Filter func(port uint16) bool

// Space hands out candidate ports.
type Space struct {
	opts Options

	mu        sync.RWMutex
	extraPriv []uint16
	excluded  map[uint16]struct{}

	// next is the anonymous cursor, shared by both address families so the
	// range is not walked twice. nextPriv is the privileged cursor.
	next     atomic.Uint32
	nextPriv atomic.Uint32

	randMu sync.Mutex
	rand   *rand.Rand
}

// New creates a Space. It returns an error when opts do not validate.
func New(opts Options) (*Space, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	s := &Space{
		opts:      opts,
		extraPriv: slices.Clone(opts.ExtraPrivileged),
		excluded:  make(map[uint16]struct{}, len(opts.Excluded)),
		rand:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, p := range opts.Excluded {
		s.excluded[p] = struct{}{}
	}
	s.next.Store(uint32(opts.SmallestAnon))
	s.nextPriv.Store(ReservedPort - 1)

	return s, nil
}

// Options returns the options the space was created with.
func (s *Space) Options() Options {
	return s.opts
}

// Seed makes random starting points reproducible.
func (s *Space) Seed(seed uint64) {
	s.randMu.Lock()
	s.rand = rand.New(rand.NewPCG(seed, seed))
	s.randMu.Unlock()
}

// randomPort returns a port drawn uniformly from [lo, hi].
func (s *Space) randomPort(lo, hi int) int {
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return lo + s.rand.IntN(hi-lo+1)
}

// Cursor returns the anonymous port the next sequential search starts from.
func (s *Space) Cursor() uint16 {
	return uint16(s.next.Load())
}

// Advance moves the anonymous cursor to just past port. Concurrent
// updates may overwrite each other; the cursor is only a hint.
func (s *Space) Advance(port uint16) {
	s.next.Store(uint32(port) + 1)
}

// RangeSize returns the number of ports in the anonymous range.
func (s *Space) RangeSize() int {
	return int(s.opts.LargestAnon) - int(s.opts.SmallestAnon) + 1
}

// NextEphemeral returns the first acceptable anonymous port at or after
// start. With random set (and RandomAnon enabled) the search begins at a
// random point in the range instead. The search wraps at most once and
// returns 0 when no port in the range is acceptable.
func (s *Space) NextEphemeral(start uint16, random bool, filter Filter) uint16 {
	smallest := int(s.opts.SmallestAnon)
	largest := int(s.opts.LargestAnon)

	port := int(start)
	if random && s.opts.RandomAnon {
		port = s.randomPort(smallest, largest)
	}

	restarted := false
	for {
		if port < smallest {
			port = smallest
		}
		if port > largest {
			if restarted {
				return 0
			}
			restarted = true
			port = smallest
		}
		if port < int(s.opts.SmallestNonPriv) {
			port = int(s.opts.SmallestNonPriv)
		}

		p := uint16(port)
		if s.reserved(p) || (filter != nil && filter(p)) {
			port++
			continue
		}
		return p
	}
}

// NextPrivileged returns the next anonymous privileged port, counting
// down from ReservedPort-1 to MinAnonPriv. The search wraps at most once
// and returns 0 on exhaustion. The cursor is consumed even when the
// caller later finds the port in use.
func (s *Space) NextPrivileged(filter Filter) uint16 {
	restarted := false
	for {
		cur := s.nextPriv.Load()
		port := cur
		if port < uint32(s.opts.MinAnonPriv) || port >= ReservedPort {
			if restarted {
				return 0
			}
			restarted = true
			port = ReservedPort - 1
		}
		if !s.nextPriv.CompareAndSwap(cur, port-1) {
			continue
		}
		if filter != nil && filter(uint16(port)) {
			continue
		}
		return uint16(port)
	}
}

// IsPrivileged reports whether binding port explicitly requires privilege.
func (s *Space) IsPrivileged(port uint16) bool {
	if port == 0 {
		return false
	}
	if port < s.opts.SmallestNonPriv {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.extraPriv, port)
}

// AddPrivileged marks port as privileged. It reports false if the port
// was already in the list.
func (s *Space) AddPrivileged(port uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.extraPriv, port) {
		return false
	}
	s.extraPriv = append(s.extraPriv, port)
	return true
}

// RemovePrivileged removes port from the extra privileged list. It
// reports false if the port was not listed.
func (s *Space) RemovePrivileged(port uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.Index(s.extraPriv, port)
	if i < 0 {
		return false
	}
	s.extraPriv = slices.Delete(s.extraPriv, i, i+1)
	return true
}

// PrivilegedPorts returns a sorted copy of the extra privileged list.
func (s *Space) PrivilegedPorts() []uint16 {
	s.mu.RLock()
	out := slices.Clone(s.extraPriv)
	s.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Exclude removes port from anonymous selection.
func (s *Space) Exclude(port uint16) {
	s.mu.Lock()
	s.excluded[port] = struct{}{}
	s.mu.Unlock()
}

// Include undoes Exclude.
func (s *Space) Include(port uint16) {
	s.mu.Lock()
	delete(s.excluded, port)
	s.mu.Unlock()
}

// Excluded reports whether port is administratively excluded.
func (s *Space) Excluded(port uint16) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.excluded[port]
	return ok
}

// reserved reports whether port is never handed out anonymously.
func (s *Space) reserved(port uint16) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.excluded[port]; ok {
		return true
	}
	return slices.Contains(s.extraPriv, port)
}
