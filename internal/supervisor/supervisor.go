// Package supervisor is a small external collaborator that exercises an
// Executor's external interface exactly the way §4.5 and §9 of the design
// describe an "external supervisor" doing so: it polls Stats on a
// schedule, decides when the current instance has run long enough, and
// calls Restart. It is not part of the core and the core never imports it.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"

	"github.com/o0x1024/sentinel-plugin-runtime/infrastructure/logging"
	"github.com/o0x1024/sentinel-plugin-runtime/infrastructure/metrics"
	"github.com/o0x1024/sentinel-plugin-runtime/internal/executor"
)

// SupervisedExecutor is the slice of Executor's interface a Supervisor
// needs. Cron runs each tick in its own goroutine without skipping ticks
// that overlap, so a Supervisor may call Restart concurrently with itself
// (or with a direct Tick call); Executor.Restart is safe for concurrent use.
type SupervisedExecutor interface {
	Stats() executor.ExecutorStats
	Restart(ctx context.Context) error
}

// Config controls how often a Supervisor polls and how it decides to
// restart.
type Config struct {
	// PluginID identifies the supervised executor in logs and metrics.
	PluginID string
	// Schedule is a standard 5-field cron expression; the zero value
	// defaults to "@every 1m".
	Schedule string
	// RestartThreshold is the current_instance_executions count at or
	// above which the next poll restarts the executor. Advisory per the
	// core's contract: the executor itself never acts on this value.
	RestartThreshold uint64
	// RestartTimeout bounds a single restart attempt.
	RestartTimeout time.Duration
	// RestartRetries bounds how many times a failed restart is retried
	// (with exponential backoff) before the Supervisor gives up for that
	// tick and tries again on the next one.
	RestartRetries uint64
}

// DefaultConfig returns a Config matching the default threshold and poll
// cadence a host would reach for when it does not have an opinion.
func DefaultConfig(pluginID string) Config {
	return Config{
		PluginID:         pluginID,
		Schedule:         "@every 1m",
		RestartThreshold: 1000,
		RestartTimeout:   5 * time.Second,
		RestartRetries:   3,
	}
}

// Supervisor polls a SupervisedExecutor's stats on a cron schedule and
// restarts it once current_instance_executions crosses the configured
// threshold.
type Supervisor struct {
	executor SupervisedExecutor
	cfg      Config
	logger   *logging.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
	started bool
}

// New constructs a Supervisor. It does not start polling until Start is
// called.
func New(ex SupervisedExecutor, cfg Config, logger *logging.Logger, m *metrics.Metrics) (*Supervisor, error) {
	if ex == nil {
		return nil, fmt.Errorf("supervisor: executor must not be nil")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.RestartThreshold == 0 {
		cfg.RestartThreshold = 1000
	}
	if cfg.RestartTimeout <= 0 {
		cfg.RestartTimeout = 5 * time.Second
	}

	return &Supervisor{
		executor: ex,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		cron:     cron.New(),
	}, nil
}

// Start schedules the poll/restart tick. Calling Start twice is a no-op.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	entryID, err := s.cron.AddFunc(s.cfg.Schedule, s.tick)
	if err != nil {
		return fmt.Errorf("supervisor: invalid schedule %q: %w", s.cfg.Schedule, err)
	}
	s.entryID = entryID
	s.cron.Start()
	s.started = true
	return nil
}

// Stop cancels future ticks and waits for any in-flight tick to finish.
// Idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Tick runs one poll/restart decision synchronously; exported so tests and
// callers that want to drive the schedule themselves (rather than wait on
// cron) can invoke it directly.
func (s *Supervisor) Tick(ctx context.Context) {
	stats := s.executor.Stats()
	if s.metrics != nil {
		s.metrics.SetCurrentInstanceExecutions(stats.CurrentInstanceExecutions)
	}

	if stats.CurrentInstanceExecutions < s.cfg.RestartThreshold {
		return
	}

	if s.logger != nil {
		s.logger.Info(ctx, "restart threshold crossed, restarting plugin executor", map[string]interface{}{
			"plugin_id":                   s.cfg.PluginID,
			"current_instance_executions": stats.CurrentInstanceExecutions,
			"restart_threshold":           s.cfg.RestartThreshold,
		})
	}

	if err := s.restartWithBackoff(ctx); err != nil {
		if s.logger != nil {
			s.logger.LogRestart(ctx, s.cfg.PluginID, stats.RestartCount, err)
		}
		return
	}
}

func (s *Supervisor) tick() {
	s.Tick(context.Background())
}

// restartWithBackoff retries Executor.Restart with exponential backoff,
// the way infrastructure/resilience.Retry backs off HTTP calls elsewhere
// in the stack: a restart failing once (ExecutorDown, immediately followed
// by another transient failure) should not busy-loop the supervisor.
func (s *Supervisor) restartWithBackoff(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	withMax := backoff.WithMaxRetries(bo, s.cfg.RestartRetries)
	withCtx := backoff.WithContext(withMax, ctx)

	return backoff.Retry(func() error {
		restartCtx, cancel := context.WithTimeout(ctx, s.cfg.RestartTimeout)
		defer cancel()

		err := s.executor.Restart(restartCtx)
		if err == nil && s.metrics != nil {
			s.metrics.RecordRestart()
		}
		return err
	}, withCtx)
}
