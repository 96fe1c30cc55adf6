// Package poller detects newly published Halo items. Each poller sweeps its
// tracked entities, diffs the fetched items against the last snapshot, emits
// one event per new item, and then commits the snapshot.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/halowatch/internal/diff"
	"github.com/kalambet/halowatch/internal/event"
	"github.com/kalambet/halowatch/internal/halo"
	"github.com/kalambet/halowatch/internal/snapshot"
	"github.com/kalambet/halowatch/internal/storage"
)

const DefaultConcurrency = 4

// Credentials hands out usable session tokens and accepts reports of
// rejected ones.
type Credentials interface {
	Credential(userID string) (halo.Credential, bool)
	Invalidate(userID string)
}

// Directory enumerates tracked entities.
type Directory interface {
	ActiveClasses(ctx context.Context) ([]storage.ActiveClass, error)
	InboxForums(ctx context.Context) ([]storage.InboxForum, error)
}

// Upstream is the subset of the Halo client the pollers call.
type Upstream interface {
	ClassAnnouncements(ctx context.Context, cred halo.Credential, classID string) ([]halo.Announcement, error)
	ClassGrades(ctx context.Context, cred halo.Credential, slugID string) ([]halo.Grade, error)
	GradeFeedback(ctx context.Context, cred halo.Credential, assessmentID, haloUserID string) (halo.GradeFeedback, error)
	InboxPosts(ctx context.Context, cred halo.Credential, forumID string) ([]halo.InboxPost, error)
}

// Deps are shared by every poller.
type Deps struct {
	Directory   Directory
	Upstream    Upstream
	Credentials Credentials
	Sink        event.Sink
	Concurrency int
	Logger      *slog.Logger
}

// Result summarizes one sweep.
type Result struct {
	Entities int `json:"entities"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
	Emitted  int `json:"emitted"`
}

// Poller is one entity type's sweep.
type Poller interface {
	Name() string
	Sweep(ctx context.Context) (Result, error)
}

// Job adapts p to a scheduler run. Per-entity failures are logged by the
// sweep and do not fail the run.
func Job(p Poller) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		res, err := p.Sweep(ctx)
		if err != nil {
			return err
		}
		slog.Debug("sweep finished", "poller", p.Name(),
			"entities", res.Entities, "skipped", res.Skipped, "failed", res.Failed, "emitted", res.Emitted)
		return nil
	}
}

var errNoCredential = errors.New("no usable credential")

// step is the work for one tracked entity within a sweep.
type step[T diff.Identifiable] struct {
	key snapshot.Key
	// users are credential candidates in preference order.
	users []string
	fetch func(ctx context.Context, cred halo.Credential) ([]T, error)
	// notify reports whether a newly detected item should be emitted.
	notify func(T) bool
	event  func(ctx context.Context, userID string, cred halo.Credential, item T) (event.Event, error)
}

// runner is the entity-type independent sweep machinery.
type runner[T diff.Identifiable] struct {
	name        string
	store       *snapshot.Store[T]
	creds       Credentials
	sink        event.Sink
	concurrency int
	logger      *slog.Logger
	retired     *retirements
}

func newRunner[T diff.Identifiable](name string, store *snapshot.Store[T], deps Deps) runner[T] {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n := deps.Concurrency
	if n <= 0 {
		n = DefaultConcurrency
	}
	return runner[T]{
		name:        name,
		store:       store,
		creds:       deps.Credentials,
		sink:        deps.Sink,
		concurrency: n,
		logger:      logger.With("poller", name),
		retired:     &retirements{},
	}
}

// retirements holds the key predicates of users forgotten during the
// current sweep. A step that finishes after its user was forgotten must not
// write the snapshot back.
type retirements struct {
	mu      sync.RWMutex
	matches []func(snapshot.Key) bool
}

func (rt *retirements) reset() {
	rt.mu.Lock()
	rt.matches = nil
	rt.mu.Unlock()
}

// retiredLocked reports whether k belongs to a forgotten user. Callers hold
// at least the read lock.
func (rt *retirements) retiredLocked(k snapshot.Key) bool {
	for _, match := range rt.matches {
		if match(k) {
			return true
		}
	}
	return false
}

// invalidations reports each rejected user at most once per sweep.
type invalidations struct {
	seen sync.Map
}

func (inv *invalidations) report(creds Credentials, userID string) {
	if _, loaded := inv.seen.LoadOrStore(userID, struct{}{}); !loaded {
		creds.Invalidate(userID)
	}
}

func (r *runner[T]) sweep(ctx context.Context, steps []step[T]) Result {
	var (
		skipped, failed, emitted atomic.Int64
		inv                      invalidations
		g                        errgroup.Group
	)
	g.SetLimit(r.concurrency)
	r.retired.reset()

	for _, st := range steps {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			n, err := r.guard(ctx, st, &inv)
			emitted.Add(int64(n))
			switch {
			case errors.Is(err, errNoCredential):
				skipped.Add(1)
				r.logger.Debug("entity skipped", "key", st.key.String(), "reason", err)
			case err != nil:
				failed.Add(1)
				r.logger.Warn("entity poll failed", "key", st.key.String(), "error", err)
			}
			return nil
		})
	}
	g.Wait()

	return Result{
		Entities: len(steps),
		Skipped:  int(skipped.Load()),
		Failed:   int(failed.Load()),
		Emitted:  int(emitted.Load()),
	}
}

func (r *runner[T]) guard(ctx context.Context, st step[T], inv *invalidations) (n int, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			r.logger.Error("entity poll panicked", "key", st.key.String(), "panic", p, "stack", string(debug.Stack()))
		}
	}()
	return r.process(ctx, st, inv)
}

// process runs fetch, diff, emit, and commit for one entity, in that order.
// The snapshot advances only if every event was published.
func (r *runner[T]) process(ctx context.Context, st step[T], inv *invalidations) (int, error) {
	userID, cred, ok := r.pick(st.users)
	if !ok {
		return 0, errNoCredential
	}

	current, err := st.fetch(ctx, cred)
	if err != nil {
		if errors.Is(err, halo.ErrSessionInvalid) {
			inv.report(r.creds, userID)
		}
		return 0, fmt.Errorf("fetching: %w", err)
	}

	previous, seen := r.store.Get(st.key)
	if !seen {
		if err := r.commit(ctx, st.key, current); err != nil {
			return 0, err
		}
		r.logger.Debug("baseline recorded", "key", st.key.String(), "items", len(current))
		return 0, nil
	}

	emitted := 0
	for _, item := range diff.Added(previous, current) {
		if st.notify != nil && !st.notify(item) {
			continue
		}
		e, err := st.event(ctx, userID, cred, item)
		if err != nil {
			if errors.Is(err, halo.ErrSessionInvalid) {
				inv.report(r.creds, userID)
			}
			return emitted, fmt.Errorf("building event for %s: %w", item.ItemID(), err)
		}
		if err := r.sink.Publish(ctx, e); err != nil {
			return emitted, fmt.Errorf("publishing %s: %w", item.ItemID(), err)
		}
		emitted++
	}

	if err := r.commit(ctx, st.key, current); err != nil {
		return emitted, err
	}
	return emitted, nil
}

// commit advances the snapshot unless the key's user was forgotten while the
// step was in flight.
func (r *runner[T]) commit(ctx context.Context, key snapshot.Key, current []T) error {
	r.retired.mu.RLock()
	defer r.retired.mu.RUnlock()
	if r.retired.retiredLocked(key) {
		r.logger.Debug("snapshot dropped for forgotten user", "key", key.String())
		return nil
	}
	return r.store.Commit(ctx, key, current)
}

func (r *runner[T]) pick(users []string) (string, halo.Credential, bool) {
	for _, u := range users {
		if cred, ok := r.creds.Credential(u); ok {
			return u, cred, true
		}
	}
	return "", halo.Credential{}, false
}

// forget drops every snapshot key matching match and keeps in-flight steps
// of the running sweep from recreating them.
func (r *runner[T]) forget(ctx context.Context, match func(snapshot.Key) bool) error {
	r.retired.mu.Lock()
	defer r.retired.mu.Unlock()
	r.retired.matches = append(r.retired.matches, match)

	var errs []error
	for _, k := range r.store.Keys(match) {
		if err := r.store.Forget(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
