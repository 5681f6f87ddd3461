package housekeeping

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openfroyo/conveyor/pkg/telemetry"
)

// Job is a periodic maintenance task.
type Job func(ctx context.Context) error

// Scheduler runs jobs on cron schedules. A job never overlaps with itself
// and a panicking job is recovered.
type Scheduler struct {
	cron    *cron.Cron
	logger  *telemetry.Logger
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler. timeout bounds one job run.
func NewScheduler(logger *telemetry.Logger, timeout time.Duration) *Scheduler {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	logger = logger.NewComponentLogger("housekeeping")
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	cronLogger := cron.PrintfLogger(logger)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		)),
		logger:  logger,
		timeout: timeout,
		entries: make(map[string]cron.EntryID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add schedules job under name. Adding a name twice replaces the job.
func (s *Scheduler) Add(name, schedule string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(schedule, func() { s.run(name, job) })
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	if prev, ok := s.entries[name]; ok {
		s.cron.Remove(prev)
	}
	s.entries[name] = id

	s.logger.WithField("job", name).WithField("schedule", schedule).Info("Scheduled job")
	return nil
}

// RunNow runs the job registered under name synchronously.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %s", name)
	}
	s.cron.Entry(id).WrappedJob.Run()
	return nil
}

func (s *Scheduler) run(name string, job Job) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	start := time.Now()
	if err := job(ctx); err != nil {
		s.logger.WithField("job", name).WithError(err).Warn("Job failed")
		return
	}
	s.logger.WithField("job", name).WithField("duration_ms", time.Since(start).Milliseconds()).Debug("Job finished")
}

// Start starts the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}
