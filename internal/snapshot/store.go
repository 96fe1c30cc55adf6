// Package snapshot keeps the last observed item set per tracking key, in
// memory and in durable storage.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/im7mortal/kmutex"

	"github.com/kalambet/halowatch/internal/storage"
)

// Backend is the durable side of a Store.
type Backend interface {
	LoadSnapshots(ctx context.Context, kind string) ([]storage.SnapshotRecord, error)
	PutSnapshot(ctx context.Context, kind, key string, itemsJSON []byte) error
	DeleteSnapshot(ctx context.Context, kind, key string) error
}

// Key identifies a tracked entity. Sub is empty for single-part keys such as
// a class id; grades use (class, user) and inbox uses (user, forum).
type Key struct {
	Entity string
	Sub    string
}

func (k Key) String() string {
	if k.Sub == "" {
		return k.Entity
	}
	return k.Entity + "/" + k.Sub
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) Key {
	entity, sub, _ := strings.Cut(s, "/")
	return Key{Entity: entity, Sub: sub}
}

// Store holds snapshots of one item type, namespaced by kind in the backend.
// A key that has never been set is reported as unseen, which is distinct
// from a key whose last observed set was empty.
type Store[T any] struct {
	kind    string
	backend Backend
	logger  *slog.Logger

	mem   sync.Map // string -> []T
	locks *kmutex.Kmutex
}

func New[T any](kind string, backend Backend) *Store[T] {
	return &Store[T]{
		kind:    kind,
		backend: backend,
		logger:  slog.Default().With("snapshot", kind),
		locks:   kmutex.New(),
	}
}

func (s *Store[T]) Kind() string { return s.kind }

// Load replaces in-memory state with everything persisted for this kind.
// Records that fail to decode are skipped and stay unseen.
func (s *Store[T]) Load(ctx context.Context) error {
	recs, err := s.backend.LoadSnapshots(ctx, s.kind)
	if err != nil {
		return fmt.Errorf("loading %s snapshots: %w", s.kind, err)
	}
	s.mem.Clear()
	for _, rec := range recs {
		var items []T
		if err := json.Unmarshal(rec.ItemsJSON, &items); err != nil {
			s.logger.Warn("skipping undecodable snapshot", "key", rec.Key, "error", err)
			continue
		}
		if items == nil {
			items = []T{}
		}
		s.mem.Store(rec.Key, items)
	}
	s.logger.Debug("snapshots loaded", "count", len(recs))
	return nil
}

// Get returns a copy of the last observed items for key and whether the key
// has ever been observed.
func (s *Store[T]) Get(key Key) ([]T, bool) {
	v, ok := s.mem.Load(key.String())
	if !ok {
		return nil, false
	}
	return slices.Clone(v.([]T)), true
}

// Set replaces the in-memory items for key without persisting.
func (s *Store[T]) Set(key Key, items []T) {
	k := key.String()
	s.locks.Lock(k)
	defer s.locks.Unlock(k)
	s.mem.Store(k, normalize(items))
}

// Persist writes the current in-memory value for key to the backend.
// Persisting an unseen key is a no-op.
func (s *Store[T]) Persist(ctx context.Context, key Key) error {
	k := key.String()
	s.locks.Lock(k)
	defer s.locks.Unlock(k)

	v, ok := s.mem.Load(k)
	if !ok {
		return nil
	}
	return s.write(ctx, k, v.([]T))
}

// Commit sets and persists items for key. If the write fails, the previous
// in-memory value is restored, so an unseen key stays unseen.
func (s *Store[T]) Commit(ctx context.Context, key Key, items []T) error {
	k := key.String()
	s.locks.Lock(k)
	defer s.locks.Unlock(k)

	prev, hadPrev := s.mem.Load(k)
	items = normalize(items)
	s.mem.Store(k, items)

	if err := s.write(ctx, k, items); err != nil {
		if hadPrev {
			s.mem.Store(k, prev)
		} else {
			s.mem.Delete(k)
		}
		return err
	}
	return nil
}

// Forget drops key from the backend and memory.
func (s *Store[T]) Forget(ctx context.Context, key Key) error {
	k := key.String()
	s.locks.Lock(k)
	defer s.locks.Unlock(k)

	if err := s.backend.DeleteSnapshot(ctx, s.kind, k); err != nil {
		return err
	}
	s.mem.Delete(k)
	return nil
}

// Keys returns every key currently held in memory, matching filter when it
// is non-nil.
func (s *Store[T]) Keys(filter func(Key) bool) []Key {
	var keys []Key
	s.mem.Range(func(k, _ any) bool {
		key := ParseKey(k.(string))
		if filter == nil || filter(key) {
			keys = append(keys, key)
		}
		return true
	})
	slices.SortFunc(keys, func(a, b Key) int { return strings.Compare(a.String(), b.String()) })
	return keys
}

// Len returns the number of observed keys.
func (s *Store[T]) Len() int {
	n := 0
	s.mem.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (s *Store[T]) write(ctx context.Context, key string, items []T) error {
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encoding %s snapshot %s: %w", s.kind, key, err)
	}
	if err := s.backend.PutSnapshot(ctx, s.kind, key, data); err != nil {
		return fmt.Errorf("persisting %s snapshot %s: %w", s.kind, key, err)
	}
	return nil
}

// normalize keeps an observed-empty set distinct from unseen and detaches
// the stored slice from the caller's.
func normalize[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return slices.Clone(items)
}
