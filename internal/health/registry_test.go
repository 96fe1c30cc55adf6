package health

import (
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
)

func TestRegistryStaleness(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	r := NewRegistry(clk, 0)

	r.Register("announcements", 0)
	if r.Healthy() {
		t.Fatal("job that never ran reported healthy")
	}

	r.Record("announcements", nil)
	if !r.Healthy() {
		t.Fatal("fresh job reported unhealthy")
	}

	clk.Advance(4 * time.Minute)
	if !r.Healthy() {
		t.Error("job stale after 4m")
	}
	clk.Advance(2 * time.Minute)
	if r.Healthy() {
		t.Error("job not stale after 6m")
	}
}

func TestRegistryErrorKeepsLastSuccess(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	r := NewRegistry(clk, time.Minute)

	r.Record("grades", nil)
	ok := clk.Now()
	clk.Advance(30 * time.Second)
	r.Record("grades", errors.New("3 of 10 entities failed"))

	rep := r.Report()
	if len(rep) != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if !rep[0].LastSuccess.Equal(ok) {
		t.Errorf("LastSuccess = %v, want %v", rep[0].LastSuccess, ok)
	}
	if rep[0].LastError == "" {
		t.Error("LastError not recorded")
	}
	if rep[0].Stale {
		t.Error("stale within window")
	}
}

func TestRegistryPerJobWindow(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	r := NewRegistry(clk, 5*time.Minute)
	r.Register("roster", 48*time.Hour)
	r.Record("roster", nil)
	r.Record("inbox", nil)

	clk.Advance(time.Hour)
	rep := r.Report()
	if rep[0].Name != "inbox" || !rep[0].Stale {
		t.Errorf("inbox = %+v, want stale", rep[0])
	}
	if rep[1].Name != "roster" || rep[1].Stale {
		t.Errorf("roster = %+v, want fresh", rep[1])
	}
}
