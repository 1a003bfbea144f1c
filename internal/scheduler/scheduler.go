// Package scheduler runs periodic maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/h1v3-io/triage/internal/metrics"
)

// JobFunc is the work done each time a job fires.
type JobFunc func(ctx context.Context) error

// Scheduler manages named cron jobs. Runs of the same job never overlap.
type Scheduler struct {
	mu     sync.Mutex
	cron   *cron.Cron
	jobs   map[string]cron.EntryID
	logger *slog.Logger
	ctx    context.Context
}

// New creates a new scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		jobs:   make(map[string]cron.EntryID),
		logger: logger,
		ctx:    context.Background(),
	}
}

// Start runs the scheduler. Blocks until ctx is cancelled, then waits for
// running jobs to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", s.JobCount())

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return ctx.Err()
}

// AddJob registers fn under name. The schedule is a standard 5-field cron
// expression or a descriptor such as "@daily" or "@every 1h". Adding a job
// with an existing name replaces it.
func (s *Scheduler) AddJob(name, schedule string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(schedule, func() { s.run(name, fn) })
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q: %w", schedule, err)
	}
	if old, ok := s.jobs[name]; ok {
		s.cron.Remove(old)
	}
	s.jobs[name] = id
	s.logger.Info("job registered", "job", name, "schedule", schedule)
	return nil
}

// RunNow executes a registered job once, synchronously.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	id, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown job %q", name)
	}
	s.cron.Entry(id).Job.Run()
	return nil
}

// RemoveJob removes a job by name.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.jobs[name]; ok {
		s.cron.Remove(id)
		delete(s.jobs, name)
	}
}

// JobCount returns the number of registered jobs.
func (s *Scheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Scheduler) run(name string, fn JobFunc) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", "job", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	if err := fn(ctx); err != nil {
		s.logger.Error("job failed", "job", name, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("job finished", "job", name, "duration", time.Since(start))
}

// Pruner deletes stored records older than a cutoff.
type Pruner interface {
	Prune(cutoff time.Time) (int, error)
}

// RetentionJob returns a job that deletes records older than maxAge.
func RetentionJob(p Pruner, maxAge time.Duration, logger *slog.Logger) JobFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		cutoff := time.Now().Add(-maxAge)
		n, err := p.Prune(cutoff)
		if err != nil {
			return fmt.Errorf("retention: %w", err)
		}
		if n > 0 {
			metrics.RetentionPruned.Add(float64(n))
			logger.Info("pruned ticket runs", "count", n, "cutoff", cutoff.UTC())
		}
		return nil
	}
}
