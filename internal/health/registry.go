// Package health tracks when each background job last completed.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
)

// DefaultStaleAfter is how long a job may go without completing before it is
// reported stale.
const DefaultStaleAfter = 5 * time.Minute

// JobStatus is the health of one named job.
type JobStatus struct {
	Name        string    `json:"name"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastRun     time.Time `json:"last_run,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Stale       bool      `json:"stale"`
}

type record struct {
	lastSuccess time.Time
	lastRun     time.Time
	lastError   string
	staleAfter  time.Duration
}

// Registry is safe for concurrent use.
type Registry struct {
	clock      clock.Clock
	staleAfter time.Duration

	mu   sync.Mutex
	jobs map[string]*record
}

func NewRegistry(clk clock.Clock, staleAfter time.Duration) *Registry {
	if clk == nil {
		clk = clock.WallClock
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Registry{clock: clk, staleAfter: staleAfter, jobs: make(map[string]*record)}
}

// Register declares a job so it is reported before its first run. A job
// with a long interval can pass a staleAfter above the default; zero keeps
// the registry default.
func (r *Registry) Register(name string, staleAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.job(name)
	if staleAfter > 0 {
		rec.staleAfter = staleAfter
	}
}

// Record notes a completed run of name. A nil err counts as success.
func (r *Registry) Record(name string, err error) {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.job(name)
	rec.lastRun = now
	if err != nil {
		rec.lastError = err.Error()
		return
	}
	rec.lastSuccess = now
	rec.lastError = ""
}

// Report returns every job's status sorted by name.
func (r *Registry) Report() []JobStatus {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]JobStatus, 0, len(r.jobs))
	for name, rec := range r.jobs {
		out = append(out, JobStatus{
			Name:        name,
			LastSuccess: rec.lastSuccess,
			LastRun:     rec.lastRun,
			LastError:   rec.lastError,
			Stale:       rec.lastSuccess.IsZero() || now.Sub(rec.lastSuccess) > rec.staleAfter,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether no job is stale.
func (r *Registry) Healthy() bool {
	for _, s := range r.Report() {
		if s.Stale {
			return false
		}
	}
	return true
}

func (r *Registry) job(name string) *record {
	rec, ok := r.jobs[name]
	if !ok {
		rec = &record{staleAfter: r.staleAfter}
		r.jobs[name] = rec
	}
	return rec
}
