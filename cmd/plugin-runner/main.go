// Command plugin-runner is a small demo binary that drives internal/executor
// from the command line: load a plugin, feed it one HTTP transaction or one
// analyze input, print the findings/output as JSON. It exists to exercise
// the library end-to-end during development; it is not the product.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/o0x1024/sentinel-plugin-runtime/infrastructure/logging"
	"github.com/o0x1024/sentinel-plugin-runtime/infrastructure/metrics"
	"github.com/o0x1024/sentinel-plugin-runtime/internal/executor"
	"github.com/o0x1024/sentinel-plugin-runtime/internal/supervisor"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("plugin-runner", flag.ContinueOnError)
	pluginPath := fs.String("plugin", "", "path to the plugin's JavaScript source")
	txnPath := fs.String("transaction", "", "path to a JSON-encoded HTTPTransaction; runs scan_transaction")
	inputPath := fs.String("input", "", "path to a JSON object; runs analyze")
	configPath := fs.String("config", "", "path to an executor.yaml override file")
	sanitizeEvidence := fs.Bool("sanitize-evidence", false, "strip unsafe markup from evidence text before printing findings")
	superviseFor := fs.Duration("supervise", 0, "if set, run an internal/supervisor poll loop for this long instead of a single call")
	repeat := fs.Int("repeat", 1, "number of times to invoke the entry point (useful with -supervise to cross restart_threshold)")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: plugin-runner -plugin <file.js> (-transaction <file.json> | -input <file.json>) [flags]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *pluginPath == "" {
		return errors.New("-plugin is required")
	}
	if (*txnPath == "") == (*inputPath == "") {
		return errors.New("exactly one of -transaction or -input must be set")
	}

	source, err := os.ReadFile(*pluginPath)
	if err != nil {
		return fmt.Errorf("reading plugin source: %w", err)
	}

	cfg, restartThreshold, err := executor.LoadExecutorConfig(*configPath)
	if err != nil {
		return fmt.Errorf("loading executor config: %w", err)
	}

	logger := logging.New("plugin-runner", "info", "text")
	m := metrics.New("plugin-runner")

	ex, err := executor.New(
		executor.PluginCode{Source: string(source)},
		executor.PluginMetadata{ID: pluginIDFromPath(*pluginPath)},
		cfg,
		logger,
		m,
	)
	if err != nil {
		return fmt.Errorf("loading plugin: %w", err)
	}
	defer ex.Shutdown()

	call := func() (interface{}, error) {
		if *txnPath != "" {
			txn, err := readTransaction(*txnPath)
			if err != nil {
				return nil, err
			}
			findings, err := ex.ScanTransaction(ctx, txn)
			if err != nil {
				return nil, err
			}
			if *sanitizeEvidence {
				sanitizeFindings(findings)
			}
			return findings, nil
		}
		input, err := readInput(*inputPath)
		if err != nil {
			return nil, err
		}
		return ex.InvokeTool(ctx, input)
	}

	if *superviseFor > 0 {
		return runSupervised(ctx, ex, restartThreshold, *superviseFor, *repeat, call)
	}

	for i := 0; i < *repeat; i++ {
		out, err := call()
		if err != nil {
			return fmt.Errorf("invocation %d: %w", i, err)
		}
		if err := printJSON(os.Stdout, out); err != nil {
			return err
		}
	}
	return printJSON(os.Stdout, ex.Stats())
}

// runSupervised drives a supervisor.Supervisor alongside repeated calls,
// demonstrating the restart-on-threshold pattern §4.5/§9/§11 describe for a
// host that wants one without writing its own poll loop.
func runSupervised(ctx context.Context, ex *executor.Executor, restartThreshold int, d time.Duration, repeat int, call func() (interface{}, error)) error {
	sv, err := supervisor.New(ex, supervisor.Config{
		PluginID:         "plugin-runner-demo",
		RestartThreshold: uint64(restartThreshold),
	}, nil, nil)
	if err != nil {
		return err
	}
	if err := sv.Start(); err != nil {
		return err
	}
	defer sv.Stop()

	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		for i := 0; i < repeat; i++ {
			if _, err := call(); err != nil {
				fmt.Fprintf(os.Stderr, "invocation failed: %v\n", err)
			}
		}
		sv.Tick(ctx)
	}
	return printJSON(os.Stdout, ex.Stats())
}

func readTransaction(path string) (executor.HTTPTransaction, error) {
	var txn executor.HTTPTransaction
	raw, err := os.ReadFile(path)
	if err != nil {
		return txn, fmt.Errorf("reading transaction file: %w", err)
	}
	if err := json.Unmarshal(raw, &txn); err != nil {
		return txn, fmt.Errorf("parsing transaction JSON: %w", err)
	}
	return txn, nil
}

func readInput(path string) (map[string]interface{}, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading input file: %w", err)
	}
	var input map[string]interface{}
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("parsing input JSON: %w", err)
	}
	return input, nil
}

// sanitizeFindings is the -sanitize-evidence demo path: it strips unsafe
// markup from each finding's evidence using the same bluemonday policy the
// sandbox's html.sanitize exposes to plugins, for hosts that want scraped
// evidence cleaned even when the plugin itself never calls html.sanitize.
func sanitizeFindings(findings []executor.Finding) {
	for i := range findings {
		findings[i].Evidence = executor.SanitizeHTML(findings[i].Evidence)
	}
}

func pluginIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
