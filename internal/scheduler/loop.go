// Package scheduler runs background jobs on a fixed interval.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/juju/clock"
)

// Recorder receives the outcome of every run.
type Recorder interface {
	Record(name string, err error)
}

// Loop runs a function, waits the interval, and runs it again. Runs never
// overlap: the wait starts only once the previous run has returned.
type Loop struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
	clock    clock.Clock
	recorder Recorder
	logger   *slog.Logger
}

type Option func(*Loop)

func WithClock(clk clock.Clock) Option {
	return func(l *Loop) { l.clock = clk }
}

// WithRecorder reports every run's outcome to r.
func WithRecorder(r Recorder) Option {
	return func(l *Loop) { l.recorder = r }
}

func NewLoop(name string, interval time.Duration, run func(ctx context.Context) error, opts ...Option) *Loop {
	l := &Loop{
		name:     name,
		interval: interval,
		run:      run,
		clock:    clock.WallClock,
		logger:   slog.Default().With("job", name),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Loop) Name() string { return l.name }

// Run executes the job immediately and then every interval until ctx is
// cancelled.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("job loop started", "interval", l.interval)
	defer l.logger.Info("job loop stopped")

	for {
		if ctx.Err() != nil {
			return
		}

		start := l.clock.Now()
		err := l.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			l.logger.Error("job run failed", "error", err, "elapsed", l.clock.Now().Sub(start))
		}

		select {
		case <-ctx.Done():
			return
		case <-l.clock.After(l.interval):
		}
	}
}

// RunOnce executes a single run. A panic is recovered and returned as an
// error.
func (l *Loop) RunOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", l.name, r)
			l.logger.Error("job panic", "panic", r, "stack", string(debug.Stack()))
		}
		if l.recorder != nil && ctx.Err() == nil {
			l.recorder.Record(l.name, err)
		}
	}()
	return l.run(ctx)
}
