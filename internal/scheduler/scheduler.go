// Package scheduler runs the periodic ticks on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Handler is the body of one scheduled job.
type Handler func(ctx context.Context) error

// Job is run every Interval. A run still in progress when the next one is
// due causes that run to be skipped.
type Job struct {
	Name     string
	Interval time.Duration
	Handler  Handler
}

type Config struct {
	Jobs     []Job
	Location *time.Location
}

type Scheduler struct {
	cron   *cron.Cron
	jobs   []Job
	logger *zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// New validates cfg and registers its jobs. Nothing runs until Start.
func New(cfg Config, logger *zerolog.Logger) (*Scheduler, error) {
	l := logger.With().Str("component", "scheduler").Logger()
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	clog := cronLogger{logger: &l}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		),
		logger: &l,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	seen := make(map[string]bool, len(cfg.Jobs))
	for _, job := range cfg.Jobs {
		if job.Name == "" || job.Handler == nil {
			return nil, fmt.Errorf("scheduler job %q needs a name and a handler", job.Name)
		}
		if job.Interval <= 0 {
			return nil, fmt.Errorf("scheduler job %s: interval must be positive", job.Name)
		}
		if seen[job.Name] {
			return nil, fmt.Errorf("scheduler job %s registered twice", job.Name)
		}
		seen[job.Name] = true

		job := job
		if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", job.Interval), func() { s.run(job) }); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", job.Name, err)
		}
		s.jobs = append(s.jobs, job)
	}
	return s, nil
}

func (s *Scheduler) run(job Job) {
	started := time.Now()
	if err := job.Handler(s.ctx); err != nil {
		s.logger.Error().Err(err).Str("job", job.Name).Dur("duration", time.Since(started)).Msg("Scheduled job failed")
		return
	}
	s.logger.Debug().Str("job", job.Name).Dur("duration", time.Since(started)).Msg("Scheduled job finished")
}

// Start begins running the jobs. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
}

// Stop prevents new runs and waits for running ones until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Running reports whether Start was called without a later Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Jobs returns the names of the registered jobs in registration order.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		names = append(names, j.Name)
	}
	return names
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger *zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
