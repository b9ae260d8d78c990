package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/o0x1024/sentinel-plugin-runtime/infrastructure/errors"
	"github.com/o0x1024/sentinel-plugin-runtime/infrastructure/logging"
	"github.com/o0x1024/sentinel-plugin-runtime/infrastructure/metrics"
)

// ExecutorConfig controls the channel capacity, stop-acknowledgement
// timeout, and capability set an Executor starts its workers with.
type ExecutorConfig struct {
	CommandCapacity int
	StopAckTimeout  time.Duration
	Capabilities    CapabilitySet
}

// DefaultExecutorConfig returns sane defaults: a modest command queue, a
// one-second bound on waiting for a worker to acknowledge a stop request,
// and the default (least-privilege) capability set.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		CommandCapacity: 100,
		StopAckTimeout:  time.Second,
		Capabilities:    DefaultCapabilities(),
	}
}

// Executor is the restartable handle callers hold onto. It owns a
// currently-active Worker, which it may replace wholesale (never reused)
// in response to Restart. All methods are safe for concurrent use.
type Executor struct {
	mu         sync.RWMutex
	worker     *Worker
	pluginID   string
	code       PluginCode
	metadata   PluginMetadata
	cfg        ExecutorConfig
	logger     *logging.Logger
	metrics    *metrics.Metrics
	down       bool
	downReason error

	totalExecutions           uint64
	currentInstanceExecutions uint64
	restartCount              uint64
	lastRestartTime           atomic.Value // time.Time
}

// New constructs an Executor, starting its first worker synchronously: New
// returns an error if the plugin fails to load.
func New(code PluginCode, metadata PluginMetadata, cfg ExecutorConfig, logger *logging.Logger, m *metrics.Metrics) (*Executor, error) {
	e := &Executor{
		pluginID: metadata.ID,
		code:     code,
		metadata: metadata,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
	}
	e.lastRestartTime.Store(time.Time{})

	worker, err := e.spawnWorker()
	if err != nil {
		return nil, err
	}
	e.worker = worker
	return e, nil
}

func (e *Executor) spawnWorker() (*Worker, error) {
	started := make(chan startResult, 1)
	worker := startWorker(e.cfg.Capabilities, e.code, e.metadata, e.logger, e.cfg.CommandCapacity, started)

	result := <-started
	if result.err != nil {
		return nil, errors.PluginLoadFailed(e.pluginID, result.err)
	}
	return worker, nil
}

// ScanTransaction runs the plugin's scan_transaction entry point against
// txn. If the Executor is in the down state (its worker failed to load and
// Restart has not yet recovered it), it fails fast with PluginExecutorDown.
func (e *Executor) ScanTransaction(ctx context.Context, txn HTTPTransaction) ([]Finding, error) {
	return e.call(ctx, "scan_transaction", func(ctx context.Context, w *Worker) ([]Finding, map[string]interface{}, error) {
		findings, err := w.scan(ctx, txn)
		return findings, nil, err
	})
}

// InvokeTool runs the plugin's analyze entry point against inputs.
func (e *Executor) InvokeTool(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
	_, output, err := e.call(ctx, "analyze", func(ctx context.Context, w *Worker) ([]Finding, map[string]interface{}, error) {
		out, err := w.invoke(ctx, inputs)
		return nil, out, err
	})
	return output, err
}

func (e *Executor) call(ctx context.Context, operation string, fn func(context.Context, *Worker) ([]Finding, map[string]interface{}, error)) ([]Finding, map[string]interface{}, error) {
	e.mu.RLock()
	if e.down {
		err := e.downReason
		e.mu.RUnlock()
		return nil, nil, errors.PluginExecutorDown(e.pluginID, err)
	}
	worker := e.worker
	e.mu.RUnlock()

	start := time.Now()
	findings, output, err := fn(ctx, worker)
	duration := time.Since(start)

	// A call that completed — successfully or with a script/permission
	// error — counts as executed work. A call the caller stopped waiting
	// on (its context expired or was cancelled) never ran to completion
	// from the caller's point of view and must not inflate the counters
	// an external supervisor uses to decide when to restart.
	cancelled := err == context.Canceled || err == context.DeadlineExceeded
	if cancelled {
		err = errors.PluginCancelled(e.pluginID)
	}

	if e.logger != nil {
		e.logger.LogPluginExecution(ctx, e.pluginID, operation, duration, err)
	}
	if e.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		e.metrics.RecordExecution(e.pluginID, operation, status, duration)
		for _, f := range findings {
			e.metrics.RecordFinding(e.pluginID, string(f.Severity))
		}
	}
	if !cancelled {
		atomic.AddUint64(&e.totalExecutions, 1)
		atomic.AddUint64(&e.currentInstanceExecutions, 1)
	}
	return findings, output, err
}

// Restart replaces the Executor's worker with a freshly constructed one
// running the same code and metadata. It first asks the current worker to
// stop, waiting up to cfg.StopAckTimeout; a worker that does not acknowledge
// in time is abandoned (its goroutine and OS thread keep running until the
// in-flight script call returns, but nothing waits on it any further) rather
// than forcibly killed, since Go provides no mechanism to terminate a
// goroutine from outside it. Either way a new worker is spawned to serve
// subsequent calls.
func (e *Executor) Restart(ctx context.Context) error {
	e.mu.Lock()
	oldWorker := e.worker
	e.mu.Unlock()

	acked := oldWorker.requestStop(e.cfg.StopAckTimeout)
	if !acked && e.logger != nil {
		e.logger.LogRestart(ctx, e.pluginID, atomic.LoadUint64(&e.restartCount), errors.Internal("worker did not acknowledge stop before timeout", nil))
	}

	newWorker, err := e.spawnWorker()
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.down = true
		e.downReason = err
		if e.logger != nil {
			e.logger.LogRestart(ctx, e.pluginID, atomic.LoadUint64(&e.restartCount), err)
		}
		return errors.PluginExecutorDown(e.pluginID, err)
	}

	e.worker = newWorker
	e.down = false
	e.downReason = nil
	atomic.StoreUint64(&e.currentInstanceExecutions, 0)
	count := atomic.AddUint64(&e.restartCount, 1)
	e.lastRestartTime.Store(now)

	if e.logger != nil {
		e.logger.LogRestart(ctx, e.pluginID, count, nil)
	}
	if e.metrics != nil {
		e.metrics.RecordRestart()
	}
	return nil
}

// Stats returns a snapshot of the Executor's counters.
func (e *Executor) Stats() ExecutorStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	last, _ := e.lastRestartTime.Load().(time.Time)
	return ExecutorStats{
		TotalExecutions:           atomic.LoadUint64(&e.totalExecutions),
		CurrentInstanceExecutions: atomic.LoadUint64(&e.currentInstanceExecutions),
		RestartCount:              atomic.LoadUint64(&e.restartCount),
		LastRestartTime:           last,
	}
}

// Shutdown stops the active worker and marks the Executor down. Further
// calls fail with PluginExecutorDown until a later Restart spawns a new
// worker; Shutdown itself does not spawn a replacement worker.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	worker := e.worker
	e.down = true
	e.downReason = errors.Internal("executor shut down", nil)
	e.mu.Unlock()

	worker.requestStop(e.cfg.StopAckTimeout)
}
