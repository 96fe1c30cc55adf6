// Package credential keeps every linked user's session tokens fresh. It
// refreshes them ahead of expiry, reacts to rejected sessions, backs off on
// failed refreshes, and disconnects users whose tokens cannot be renewed.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"

	"github.com/kalambet/halowatch/internal/halo"
	"github.com/kalambet/halowatch/internal/storage"
)

const (
	DefaultRefreshInterval = 114 * time.Minute
	DefaultRetryDelay      = 5 * time.Minute
	DefaultMaxRetryDelay   = time.Hour
	DefaultMaxFailures     = 3
)

// Refresher exchanges a credential for a new one.
type Refresher interface {
	Refresh(ctx context.Context, cred halo.Credential) (halo.Credential, error)
}

// Store is the durable credential table.
type Store interface {
	ListCredentials(ctx context.Context) ([]storage.Credential, error)
	UpdateTokens(ctx context.Context, userID, auth, contextToken string, next time.Time) error
	MarkDisconnected(ctx context.Context, userID string, at time.Time) error
	SubscribeCredentials(fn func(storage.CredentialChange))
}

// Notifier is told when a user's credential is exhausted.
type Notifier interface {
	Disconnected(ctx context.Context, userID string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, userID string) error

func (f NotifierFunc) Disconnected(ctx context.Context, userID string) error {
	return f(ctx, userID)
}

type Config struct {
	RefreshInterval time.Duration
	RetryDelay      time.Duration
	MaxRetryDelay   time.Duration
	MaxFailures     int
	Clock           clock.Clock
	Logger          *slog.Logger
}

func (c *Config) setDefaults() {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.MaxRetryDelay < c.RetryDelay {
		c.MaxRetryDelay = max(DefaultMaxRetryDelay, c.RetryDelay)
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type entry struct {
	cred           halo.Credential
	state          State
	failures       int
	timer          clock.Timer
	gen            uint64
	next           time.Time
	disconnectedAt time.Time
}

// Manager owns the per-user credential state machines and their timers.
// All state for one user is guarded by that user's lock; the users map is
// guarded by mu. Network and storage calls happen outside both.
type Manager struct {
	cfg       Config
	refresher Refresher
	store     Store
	notifier  Notifier

	locks *kmutex.Kmutex
	mu    sync.Mutex
	users map[string]*entry

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

func NewManager(refresher Refresher, store Store, notifier Notifier, cfg Config) *Manager {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		refresher: refresher,
		store:     store,
		notifier:  notifier,
		locks:     kmutex.New(),
		users:     make(map[string]*entry),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start loads stored credentials, schedules their refresh timers, and
// subscribes to credential store changes. Credentials whose refresh time has
// passed are refreshed immediately.
func (m *Manager) Start(ctx context.Context) error {
	creds, err := m.store.ListCredentials(ctx)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}
	m.store.SubscribeCredentials(m.handleChange)
	for _, c := range creds {
		m.install(c)
	}
	m.cfg.Logger.Info("credential manager started", "users", len(creds))
	return nil
}

// Stop cancels every timer and waits for in-flight refreshes to return.
func (m *Manager) Stop() {
	m.cancel()
	m.mu.Lock()
	m.stopped = true
	ids := make([]string, 0, len(m.users))
	for id := range m.users {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.locks.Lock(id)
		if e := m.get(id); e != nil {
			m.stopTimer(e)
			e.gen++
		}
		m.locks.Unlock(id)
	}
	m.wg.Wait()
}

// Credential returns the user's tokens if the user is ACTIVE.
func (m *Manager) Credential(userID string) (halo.Credential, bool) {
	m.locks.Lock(userID)
	defer m.locks.Unlock(userID)

	e := m.get(userID)
	if e == nil || e.state != Active {
		return halo.Credential{}, false
	}
	return e.cred, true
}

// Invalidate reports that the user's session was rejected. An ACTIVE user
// moves to REFRESHING and a refresh starts in the background. Signals for
// users already refreshing, backing off, or disconnected are ignored.
func (m *Manager) Invalidate(userID string) {
	m.locks.Lock(userID)
	e := m.get(userID)
	if e == nil || e.state != Active {
		m.locks.Unlock(userID)
		return
	}
	gen, cred := m.beginRefresh(e)
	m.locks.Unlock(userID)

	m.cfg.Logger.Info("credential invalidated", "user_id", userID)
	if !m.track() {
		return
	}
	go func() {
		defer m.wg.Done()
		m.refresh(userID, gen, cred)
	}()
}

// Status returns the lifecycle status of one user.
func (m *Manager) Status(userID string) (Status, bool) {
	m.locks.Lock(userID)
	defer m.locks.Unlock(userID)

	e := m.get(userID)
	if e == nil {
		return Status{}, false
	}
	return statusOf(userID, e), true
}

// Statuses returns the status of every known user ordered by id.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	ids := make([]string, 0, len(m.users))
	for id := range m.users {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)

	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		if s, ok := m.Status(id); ok {
			out = append(out, s)
		}
	}
	return out
}

func statusOf(userID string, e *entry) Status {
	s := Status{UserID: userID, State: e.state, Failures: e.failures}
	if !e.next.IsZero() && (e.state == Active || e.state == Backoff) {
		next := e.next
		s.NextAttempt = &next
	}
	if e.state == Disconnected {
		at := e.disconnectedAt
		s.DisconnectedAt = &at
	}
	return s
}

// install replaces any in-memory state for c.UserID with c.
func (m *Manager) install(c storage.Credential) {
	m.locks.Lock(c.UserID)
	defer m.locks.Unlock(c.UserID)

	e := m.get(c.UserID)
	if e == nil {
		e = &entry{}
		m.mu.Lock()
		m.users[c.UserID] = e
		m.mu.Unlock()
	}
	m.stopTimer(e)
	e.gen++
	e.cred = halo.Credential{Auth: c.Auth, Context: c.Context}
	e.failures = 0

	if c.DisconnectedAt != nil {
		e.state = Disconnected
		e.disconnectedAt = *c.DisconnectedAt
		e.next = time.Time{}
		return
	}

	e.state = Active
	e.disconnectedAt = time.Time{}
	delay := m.cfg.RefreshInterval
	if !c.NextRefreshAt.IsZero() {
		delay = max(c.NextRefreshAt.Sub(m.cfg.Clock.Now()), 0)
	}
	m.schedule(c.UserID, e, delay)
}

func (m *Manager) handleChange(change storage.CredentialChange) {
	if change.Credential == nil {
		m.remove(change.UserID)
		return
	}

	m.locks.Lock(change.UserID)
	e := m.get(change.UserID)
	same := e != nil && e.state != Disconnected &&
		e.cred.Auth == change.Credential.Auth && e.cred.Context == change.Credential.Context
	m.locks.Unlock(change.UserID)
	if same {
		return
	}

	m.cfg.Logger.Info("credential linked", "user_id", change.UserID)
	m.install(*change.Credential)
}

func (m *Manager) remove(userID string) {
	m.locks.Lock(userID)
	defer m.locks.Unlock(userID)

	e := m.get(userID)
	if e == nil {
		return
	}
	m.stopTimer(e)
	e.gen++
	m.mu.Lock()
	delete(m.users, userID)
	m.mu.Unlock()
	m.cfg.Logger.Info("credential removed", "user_id", userID)
}

// schedule arms the user's single timer. Caller holds the user lock.
func (m *Manager) schedule(userID string, e *entry, delay time.Duration) {
	m.stopTimer(e)
	gen := e.gen
	e.next = m.cfg.Clock.Now().Add(delay)
	e.timer = m.cfg.Clock.AfterFunc(delay, func() {
		m.fire(userID, gen)
	})
}

func (m *Manager) stopTimer(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (m *Manager) fire(userID string, gen uint64) {
	if !m.track() {
		return
	}
	defer m.wg.Done()

	m.locks.Lock(userID)
	e := m.get(userID)
	if e == nil || e.gen != gen || (e.state != Active && e.state != Backoff) {
		m.locks.Unlock(userID)
		return
	}
	e.timer = nil
	refreshGen, cred := m.beginRefresh(e)
	m.locks.Unlock(userID)

	m.refresh(userID, refreshGen, cred)
}

// beginRefresh moves e to REFRESHING. Caller holds the user lock.
func (m *Manager) beginRefresh(e *entry) (uint64, halo.Credential) {
	m.stopTimer(e)
	e.gen++
	e.state = Refreshing
	e.next = time.Time{}
	return e.gen, e.cred
}

func (m *Manager) refresh(userID string, gen uint64, cred halo.Credential) {
	next, err := m.refresher.Refresh(m.ctx, cred)
	if m.ctx.Err() != nil {
		return
	}

	m.locks.Lock(userID)
	e := m.get(userID)
	if e == nil || e.gen != gen {
		// Re-linked or removed while the refresh was in flight.
		m.locks.Unlock(userID)
		return
	}

	if err == nil {
		e.cred = next
		e.state = Active
		e.failures = 0
		m.schedule(userID, e, m.cfg.RefreshInterval)
		nextAt := e.next
		m.locks.Unlock(userID)

		m.cfg.Logger.Info("credential refreshed", "user_id", userID)
		err := m.store.UpdateTokens(m.ctx, userID, next.Auth, next.Context, nextAt)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			m.dropIfCurrent(userID, gen)
		case err != nil:
			m.cfg.Logger.Error("persisting refreshed credential", "user_id", userID, "error", err)
		}
		return
	}

	e.failures++
	if e.failures < m.cfg.MaxFailures {
		e.state = Backoff
		delay := backoffDelay(m.cfg.RetryDelay, m.cfg.MaxRetryDelay, e.failures)
		m.schedule(userID, e, delay)
		failures := e.failures
		m.locks.Unlock(userID)
		m.cfg.Logger.Warn("credential refresh failed, backing off",
			"user_id", userID, "failures", failures, "retry_in", delay, "error", err)
		return
	}

	e.state = Disconnected
	e.next = time.Time{}
	e.disconnectedAt = m.cfg.Clock.Now()
	at := e.disconnectedAt
	m.locks.Unlock(userID)

	m.cfg.Logger.Warn("credential exhausted, disconnecting", "user_id", userID, "error", err)
	if err := m.store.MarkDisconnected(m.ctx, userID, at); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.cfg.Logger.Error("recording disconnection", "user_id", userID, "error", err)
	}
	if m.notifier != nil {
		if err := m.notifier.Disconnected(m.ctx, userID); err != nil {
			m.cfg.Logger.Error("notifying disconnection", "user_id", userID, "error", err)
		}
	}
}

// dropIfCurrent forgets userID when its credential row vanished while a
// refresh was being persisted. A re-link since then has a newer generation
// and is kept.
func (m *Manager) dropIfCurrent(userID string, gen uint64) {
	m.locks.Lock(userID)
	defer m.locks.Unlock(userID)
	e := m.get(userID)
	if e == nil || e.gen != gen {
		return
	}
	m.stopTimer(e)
	e.gen++
	m.mu.Lock()
	delete(m.users, userID)
	m.mu.Unlock()
	m.cfg.Logger.Info("credential removed during refresh", "user_id", userID)
}

// backoffDelay doubles base for each failure after the first and never
// exceeds limit.
func backoffDelay(base, limit time.Duration, failures int) time.Duration {
	d := base
	for i := 1; i < failures; i++ {
		if d >= limit/2 {
			return limit
		}
		d *= 2
	}
	return min(d, limit)
}

// track registers an in-flight refresh unless the manager is stopping.
func (m *Manager) track() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}
	m.wg.Add(1)
	return true
}

func (m *Manager) get(userID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[userID]
}
