package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddJob_Fires(t *testing.T) {
	var calls atomic.Int32
	sched := New(nil)

	err := sched.AddJob("tick", "@every 1s", func(context.Context) error {
		calls.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if sched.JobCount() != 1 {
		t.Errorf("JobCount = %d", sched.JobCount())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	sched.Start(ctx)

	if calls.Load() == 0 {
		t.Error("expected at least one call")
	}
}

func TestAddJob_InvalidSchedule(t *testing.T) {
	sched := New(nil)
	if err := sched.AddJob("bad", "not a cron", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if sched.JobCount() != 0 {
		t.Errorf("JobCount = %d", sched.JobCount())
	}
}

func TestAddJob_ReplacesByName(t *testing.T) {
	sched := New(nil)
	noop := func(context.Context) error { return nil }
	sched.AddJob("retention", "@daily", noop)
	sched.AddJob("retention", "@hourly", noop)
	if sched.JobCount() != 1 {
		t.Errorf("JobCount = %d, want 1", sched.JobCount())
	}
	if len(sched.cron.Entries()) != 1 {
		t.Errorf("cron entries = %d, want 1", len(sched.cron.Entries()))
	}

	sched.RemoveJob("retention")
	if sched.JobCount() != 0 {
		t.Errorf("JobCount after remove = %d", sched.JobCount())
	}
}

func TestRunNow_RecoversPanics(t *testing.T) {
	sched := New(nil)
	sched.AddJob("boom", "@daily", func(context.Context) error { panic("kaboom") })
	if err := sched.RunNow("boom"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if err := sched.RunNow("missing"); err == nil {
		t.Error("expected error for unknown job")
	}
}

type fakePruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (f *fakePruner) Prune(cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return 3, f.err
}

func TestRetentionJob(t *testing.T) {
	p := &fakePruner{}
	job := RetentionJob(p, 30*24*time.Hour, nil)
	if err := job(context.Background()); err != nil {
		t.Fatalf("job: %v", err)
	}
	want := time.Now().Add(-30 * 24 * time.Hour)
	if d := want.Sub(p.cutoffs[0]); d < 0 || d > time.Minute {
		t.Errorf("cutoff = %v, want about %v", p.cutoffs[0], want)
	}

	p.err = errors.New("disk full")
	if err := job(context.Background()); err == nil {
		t.Error("expected prune error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := job(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
