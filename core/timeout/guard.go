// Package timeout arms per-connection read and write deadlines.
//
// A [Guard] keeps at most one pending deadline per (connection, kind) pair.
// Arming again replaces the previous deadline, so callers re-arm at the start
// of every read or write attempt instead of once per connection lifetime.
package timeout

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies which deadline expired
type Kind int

const (
	Read Kind = iota
	Write
)

// String implements [fmt.Stringer].
func (k Kind) String() string {
	switch k {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return "unknown"
	}
}

// ExpireFunc is invoked, on its own goroutine, when a deadline elapses
type ExpireFunc func(id string, kind Kind)

type key struct {
	id   string
	kind Kind
}

type deadline struct {
	timer *time.Timer
	gen   uint64
}

// Guard tracks deadlines keyed by connection identifier
type Guard struct {
	onExpire ExpireFunc

	mu        sync.Mutex
	deadlines map[key]deadline
	gen       uint64

	armed   atomic.Uint64
	expired atomic.Uint64
}

// NewGuard creates a guard that reports expirations to onExpire
func NewGuard(onExpire ExpireFunc) *Guard {
	return &Guard{
		onExpire:  onExpire,
		deadlines: make(map[key]deadline),
	}
}

// Arm (re)arms the kind deadline of connection id to fire after d
func (g *Guard) Arm(id string, kind Kind, d time.Duration) {
	k := key{id: id, kind: kind}

	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.deadlines[k]; ok {
		prev.timer.Stop()
	}

	g.gen++
	gen := g.gen
	g.deadlines[k] = deadline{
		timer: time.AfterFunc(d, func() { g.fire(k, gen) }),
		gen:   gen,
	}
	g.armed.Add(1)
}

// fire runs the callback unless the deadline was cancelled or re-armed meanwhile
func (g *Guard) fire(k key, gen uint64) {
	g.mu.Lock()
	cur, ok := g.deadlines[k]
	if !ok || cur.gen != gen {
		g.mu.Unlock()
		return // stale
	}
	delete(g.deadlines, k)
	g.mu.Unlock()

	g.expired.Add(1)
	g.onExpire(k.id, k.kind)
}

// Cancel disarms the kind deadline of connection id
func (g *Guard) Cancel(id string, kind Kind) {
	k := key{id: id, kind: kind}

	g.mu.Lock()
	defer g.mu.Unlock()

	if cur, ok := g.deadlines[k]; ok {
		cur.timer.Stop()
		delete(g.deadlines, k)
	}
}

// CancelAll disarms every deadline of connection id
func (g *Guard) CancelAll(id string) {
	g.Cancel(id, Read)
	g.Cancel(id, Write)
}

// Pending returns the number of armed deadlines
func (g *Guard) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.deadlines)
}

// Stats returns guard statistics
func (g *Guard) Stats() GuardStats {
	return GuardStats{
		Pending: g.Pending(),
		Armed:   g.armed.Load(),
		Expired: g.expired.Load(),
	}
}

// GuardStats contains guard statistics
type GuardStats struct {
	Pending int    `json:"pending"`
	Armed   uint64 `json:"armed"`
	Expired uint64 `json:"expired"`
}
