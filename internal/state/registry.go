// Package state holds the only mutable state shared across fleet workers:
// live worker gauges and the login ledger.
package state

import (
	"sort"
	"sync"
	"time"

	kclock "k8s.io/utils/clock"
)

// Counter names a live worker gauge.
type Counter string

const (
	CounterMessage Counter = "message"
	CounterTitle   Counter = "title"
)

// Registry is a mutex-guarded set of counters plus the login ledger.
// Every method is atomic with respect to every other method.
type Registry struct {
	mu       sync.Mutex
	clock    kclock.PassiveClock
	counters map[Counter]int
	logins   map[string]time.Time
}

type Option func(*Registry)

// WithClock overrides the clock used by RecordLoginNow.
func WithClock(c kclock.PassiveClock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		clock:    kclock.RealClock{},
		counters: map[Counter]int{},
		logins:   map[string]time.Time{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) Increment(c Counter) {
	r.mu.Lock()
	r.counters[c]++
	r.mu.Unlock()
}

// Decrement lowers c by one, floored at zero.
func (r *Registry) Decrement(c Counter) {
	r.mu.Lock()
	if r.counters[c] > 0 {
		r.counters[c]--
	}
	r.mu.Unlock()
}

// Count returns the current value of c.
func (r *Registry) Count(c Counter) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[c]
}

// RecordLogin overwrites the ledger entry for fingerprint.
func (r *Registry) RecordLogin(fingerprint string, at time.Time) {
	r.mu.Lock()
	r.logins[fingerprint] = at
	r.mu.Unlock()
}

// RecordLoginNow records fingerprint with the registry clock's current time.
func (r *Registry) RecordLoginNow(fingerprint string) time.Time {
	now := r.clock.Now()
	r.RecordLogin(fingerprint, now)
	return now
}

// Snapshot is a point-in-time copy of the registry.
type Snapshot struct {
	Counters map[Counter]int
	Logins   map[string]time.Time
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{
		Counters: make(map[Counter]int, len(r.counters)),
		Logins:   make(map[string]time.Time, len(r.logins)),
	}
	for k, v := range r.counters {
		snap.Counters[k] = v
	}
	for k, v := range r.logins {
		snap.Logins[k] = v
	}
	return snap
}

// Fingerprints returns the ledger keys in sorted order.
func (s Snapshot) Fingerprints() []string {
	out := make([]string, 0, len(s.Logins))
	for k := range s.Logins {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Health is the status payload served by the health endpoint.
type Health struct {
	Status               string            `json:"status"`
	Message              string            `json:"message"`
	ActiveMessageWorkers int               `json:"active_message_workers"`
	ActiveTitleWorkers   int               `json:"active_title_workers"`
	Logins               map[string]string `json:"logins"`
}

// Health renders the snapshot as the status payload.
func (s Snapshot) Health() Health {
	logins := make(map[string]string, len(s.Logins))
	for k, v := range s.Logins {
		logins[k] = v.Format(time.RFC3339)
	}
	return Health{
		Status:               "ok",
		Message:              "Bot running",
		ActiveMessageWorkers: s.Counters[CounterMessage],
		ActiveTitleWorkers:   s.Counters[CounterTitle],
		Logins:               logins,
	}
}
