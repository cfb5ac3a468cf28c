package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"arcbot/internal/domain"
)

type fakeEngine struct {
	spec    string
	fn      func()
	started bool
	stopped bool
	addErr  error
}

func (f *fakeEngine) AddFunc(spec string, cmd func()) (int, error) {
	if f.addErr != nil {
		return 0, f.addErr
	}
	f.spec, f.fn = spec, cmd
	return 1, nil
}
func (f *fakeEngine) Start() { f.started = true }
func (f *fakeEngine) Stop()  { f.stopped = true }

type fakeExpirer struct {
	domain.EventStore
	cutoff time.Time
	n      int
	err    error
}

func (f *fakeExpirer) ExpireBefore(_ context.Context, cutoff time.Time) (int, error) {
	f.cutoff = cutoff
	return f.n, f.err
}

// =============================================================================
// Sweeper
// =============================================================================

func TestSweeper_Start_ShouldScheduleAndRunSweep(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	orig := nowFunc
	t.Cleanup(func() { nowFunc = orig })
	nowFunc = func() time.Time { return now }

	store := &fakeExpirer{n: 2}
	engine := &fakeEngine{}
	s := NewSweeper(store, engine, 30*time.Minute)
	if err := s.Start("@every 5m"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !engine.started || engine.spec != "@every 5m" {
		t.Fatalf("engine not scheduled: %+v", engine)
	}
	engine.fn()
	if !store.cutoff.Equal(now.Add(-30 * time.Minute)) {
		t.Errorf("unexpected cutoff %v", store.cutoff)
	}
	s.Stop()
	if !engine.stopped {
		t.Error("expected engine stopped")
	}
}

func TestSweeper_Start_WhenTTLDisabled_ShouldNotSchedule(t *testing.T) {
	engine := &fakeEngine{}
	s := NewSweeper(&fakeExpirer{}, engine, 0)
	if err := s.Start("@every 5m"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if engine.started {
		t.Error("engine should not start when ttl is 0")
	}
}

func TestSweeper_Start_WhenSpecInvalid_ShouldReturnError(t *testing.T) {
	s := NewSweeper(&fakeExpirer{}, NewRobfigCronEngine(), time.Minute)
	if err := s.Start("not-a-cron-expression"); err == nil {
		t.Fatal("expected error for invalid spec")
	}
}

func TestSweeper_Sweep_WhenStoreFails_ShouldReturnZero(t *testing.T) {
	s := NewSweeper(&fakeExpirer{err: errors.New("boom")}, &fakeEngine{}, time.Minute)
	if n := s.Sweep(context.Background()); n != 0 {
		t.Errorf("want 0, got %d", n)
	}
}

func TestRobfigCronEngine_StartAndStop_ShouldNotPanic(t *testing.T) {
	engine := NewRobfigCronEngine()
	if _, err := engine.AddFunc("@every 1h", func() {}); err != nil {
		t.Fatalf("add: %v", err)
	}
	engine.Start()
	engine.Stop()
}
