// Package scheduler runs the periodic governance jobs: batch analysis and the alert and lock
// expiry sweeps. Each job runs on its own ticker; a failed or panicking run is logged and the
// next tick proceeds.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/miradorstack/mirador-governance/internal/metrics"
)

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	// RunOnStart fires the job once immediately instead of waiting a full interval.
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// Scheduler owns the job goroutines.
type Scheduler struct {
	logger  *slog.Logger
	timeout time.Duration
	jobs    []Job

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a scheduler; timeout bounds each job run (0 disables the bound).
func New(logger *slog.Logger, timeout time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger, timeout: timeout}
}

// Add registers a job. Jobs must be added before Start.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("scheduler: job needs a name and a run function")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("scheduler: job %s interval must be positive", job.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler: cannot add %s while running", job.Name)
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start launches every job. It fails if the scheduler is already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler: already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(runCtx, job)
	}
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.jobs)))
	return nil
}

// Stop cancels running jobs and waits for their goroutines. Calling Stop twice is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()
	if job.RunOnStart {
		s.runOnce(ctx, job)
	}
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, job)
		}
	}
}

// RunNow executes one job by name synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var found *Job
	for i := range s.jobs {
		if s.jobs[i].Name == name {
			found = &s.jobs[i]
			break
		}
	}
	s.mu.Unlock()
	if found == nil {
		return fmt.Errorf("scheduler: unknown job %s", name)
	}
	return s.runOnce(ctx, *found)
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) (err error) {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
			s.logger.Error("scheduled job panicked",
				slog.String("job", job.Name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
		metrics.ObserveJob(job.Name, err)
	}()

	err = job.Run(runCtx)
	if err != nil {
		s.logger.Error("scheduled job failed", slog.String("job", job.Name), slog.Duration("elapsed", time.Since(start)), slog.Any("error", err))
		return err
	}
	s.logger.Debug("scheduled job finished", slog.String("job", job.Name), slog.Duration("elapsed", time.Since(start)))
	return nil
}
