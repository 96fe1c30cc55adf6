package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Bus is an in-process Sink that dispatches each event to the handlers
// registered for its type, then to the handlers registered for all types.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	all      []Handler
	logger   *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{handlers: make(map[Type][]Handler), logger: logger}
}

// Subscribe registers h for events of type t.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers h for every event.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish runs every matching handler in registration order. All handlers
// run even when one fails; their errors are joined.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[e.Type])+len(b.all))
	hs = append(hs, b.handlers[e.Type]...)
	hs = append(hs, b.all...)
	b.mu.RUnlock()

	if len(hs) == 0 {
		b.logger.Debug("event dropped, no handlers", "type", e.Type, "id", e.ID)
		return nil
	}

	var errs []error
	for _, h := range hs {
		if err := b.call(ctx, h, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) call(ctx context.Context, h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panic: %v", r)
		}
	}()
	return h(ctx, e)
}
