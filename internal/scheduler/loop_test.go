package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
)

type recorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *recorder) Record(_ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) snapshot() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLoopRunsSequentially(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	var runs, active, overlap atomic.Int32
	l := NewLoop("test", 10*time.Second, func(context.Context) error {
		if active.Add(1) > 1 {
			overlap.Store(1)
		}
		defer active.Add(-1)
		runs.Add(1)
		return nil
	}, WithClock(clk))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	waitFor(t, "first run", func() bool { return runs.Load() == 1 })
	for want := int32(2); want <= 4; want++ {
		if err := clk.WaitAdvance(10*time.Second, 2*time.Second, 1); err != nil {
			t.Fatalf("WaitAdvance: %v", err)
		}
		waitFor(t, "next run", func() bool { return runs.Load() == want })
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop on cancel")
	}
	if overlap.Load() != 0 {
		t.Error("runs overlapped")
	}
}

func TestLoopSurvivesPanicAndError(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	rec := &recorder{}
	var runs atomic.Int32
	l := NewLoop("flaky", time.Second, func(context.Context) error {
		switch runs.Add(1) {
		case 1:
			panic("upstream exploded")
		case 2:
			return errors.New("transient")
		}
		return nil
	}, WithClock(clk), WithRecorder(rec))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	waitFor(t, "first run", func() bool { return runs.Load() == 1 })
	clk.WaitAdvance(time.Second, 2*time.Second, 1)
	waitFor(t, "second run", func() bool { return runs.Load() == 2 })
	clk.WaitAdvance(time.Second, 2*time.Second, 1)
	waitFor(t, "third run", func() bool { return len(rec.snapshot()) == 3 })

	errs := rec.snapshot()
	if errs[0] == nil || errs[1] == nil || errs[2] != nil {
		t.Errorf("recorded %v, want [panic, error, nil]", errs)
	}
}

func TestRunOnceRecoversPanic(t *testing.T) {
	l := NewLoop("p", time.Second, func(context.Context) error { panic("boom") })
	if err := l.RunOnce(context.Background()); err == nil {
		t.Fatal("expected panic converted to error")
	}
}
