package executor

import (
	"context"
	"runtime"
	"time"

	"github.com/o0x1024/sentinel-plugin-runtime/infrastructure/logging"
)

// commandKind distinguishes the operations a Worker's command loop accepts.
type commandKind int

const (
	cmdScan commandKind = iota
	cmdInvoke
	cmdStop
)

// command is a single request posted to a Worker's channel. Exactly one of
// txn/inputs is populated, matching kind. reply is a one-shot channel: the
// Worker sends exactly one commandResult and never touches it again.
type command struct {
	kind   commandKind
	txn    HTTPTransaction
	inputs map[string]interface{}
	reply  chan commandResult
}

// commandResult is the one value ever sent on a command's reply channel.
type commandResult struct {
	findings []Finding
	output   map[string]interface{}
	err      error
}

// startResult is sent once, from the worker goroutine back to whatever
// spawned it, reporting whether Engine construction and Load succeeded.
type startResult struct {
	err error
}

// Worker owns exactly one Engine for its entire lifetime, pinned to a
// single OS thread for the lifetime of that Engine. It is never reused:
// once its command loop exits, the underlying goroutine exits still locked
// to its OS thread, so the Go runtime terminates that thread rather than
// reusing it, and a new Worker must be started to serve further requests.
type Worker struct {
	commands chan command
}

// startWorker spawns the worker goroutine, locks it to its OS thread,
// constructs an Engine, loads code into it, and reports the outcome on
// started. The goroutine then serves commands until it receives cmdStop or
// its commands channel is closed.
func startWorker(caps CapabilitySet, code PluginCode, metadata PluginMetadata, logger *logging.Logger, commandCapacity int, started chan<- startResult) *Worker {
	w := &Worker{
		commands: make(chan command, commandCapacity),
	}

	go func() {
		// Never unlocked: exiting while locked makes the Go runtime
		// terminate this OS thread, so no later Engine is built on it.
		runtime.LockOSThread()

		engine := NewEngine(caps, logger)

		if err := engine.Load(code, metadata); err != nil {
			engine.Close()
			started <- startResult{err: err}
			return
		}
		started <- startResult{err: nil}

		w.run(engine)
	}()

	return w
}

// run is the command loop. It executes on the worker's locked OS thread for
// as long as the Worker lives.
func (w *Worker) run(engine *Engine) {
	for cmd := range w.commands {
		switch cmd.kind {
		case cmdScan:
			findings, err := engine.ScanTransaction(cmd.txn)
			cmd.reply <- commandResult{findings: findings, err: err}
		case cmdInvoke:
			output, err := engine.InvokeTool(cmd.inputs)
			cmd.reply <- commandResult{output: output, err: err}
		case cmdStop:
			engine.Close()
			cmd.reply <- commandResult{}
			return
		}
	}
}

// submit posts a command and waits for its reply, the engine's result, a
// caller timeout, or caller cancellation, whichever comes first. When ctx
// is done before the worker replies, submit returns immediately but the
// command keeps running on the worker goroutine: Cancelled means the
// caller stopped waiting, not that the script stopped.
func (w *Worker) submit(ctx context.Context, cmd command) (commandResult, error) {
	select {
	case w.commands <- cmd:
	case <-ctx.Done():
		return commandResult{}, ctx.Err()
	}

	select {
	case res := <-cmd.reply:
		return res, res.err
	case <-ctx.Done():
		return commandResult{}, ctx.Err()
	}
}

// scan posts a scan_transaction command and waits for its result.
func (w *Worker) scan(ctx context.Context, txn HTTPTransaction) ([]Finding, error) {
	res, err := w.submit(ctx, command{kind: cmdScan, txn: txn.Clone(), reply: make(chan commandResult, 1)})
	if err != nil {
		return nil, err
	}
	return res.findings, nil
}

// invoke posts an analyze command and waits for its result.
func (w *Worker) invoke(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
	res, err := w.submit(ctx, command{kind: cmdInvoke, inputs: inputs, reply: make(chan commandResult, 1)})
	if err != nil {
		return nil, err
	}
	return res.output, nil
}

// requestStop posts a stop command and waits up to timeout for the worker
// to acknowledge it. A false return means the worker did not ack in time;
// the caller must treat the worker as wedged and abandon it (see Executor.Restart).
func (w *Worker) requestStop(timeout time.Duration) bool {
	reply := make(chan commandResult, 1)
	select {
	case w.commands <- command{kind: cmdStop, reply: reply}:
	default:
		// Command channel is saturated; the worker is not draining it, so
		// there is no point waiting on a reply that will never arrive.
		return false
	}

	select {
	case <-reply:
		return true
	case <-time.After(timeout):
		return false
	}
}
