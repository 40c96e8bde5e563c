// Package executor runs one work item in its service container, capturing
// logs, enforcing a timeout, and classifying the outcome.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"geospatial-work-scheduler/internal/models"
	"geospatial-work-scheduler/internal/objectstore"
	"geospatial-work-scheduler/internal/telemetry"
)

// Result carries either outputs or an error message, never both. Errors are
// values rather than raised conditions: the caller must always record some
// terminal state for the item.
type Result struct {
	CatalogURLs []string
	Sizes       []int64
	ScrollID    string
	Err         string
}

// Failed reports whether the execution resolved to an error.
func (r Result) Failed() bool { return r.Err != "" }

// Executor invokes service containers for work items.
type Executor struct {
	runner    Runner
	store     objectstore.Store
	resolver  *ErrorResolver
	workDir   string
	logPrefix string
	timeout   time.Duration
	logger    *slog.Logger
}

// New builds an executor. A nil runner defaults to the container CLI.
func New(runner Runner, store objectstore.Store, workDir, logPrefix string, timeout time.Duration, logger *slog.Logger) *Executor {
	if runner == nil {
		runner = &CLIRunner{}
	}
	if timeout == 0 {
		timeout = 30 * time.Minute
	}
	return &Executor{
		runner:    runner,
		store:     store,
		resolver:  NewErrorResolver(store, logger),
		workDir:   workDir,
		logPrefix: logPrefix,
		timeout:   timeout,
		logger:    logger.With("component", "executor"),
	}
}

type invokeOutcome struct {
	exitCode int
	err      error
}

// Execute runs one work item to a single resolution. The wall-clock timeout
// races the container's completion; whichever signal arrives first wins and
// the loser is canceled. Captured logs are persisted win or lose.
func (e *Executor) Execute(ctx context.Context, item models.WorkItem, maxGranules int) Result {
	outputDir := e.outputDir(item)
	capture := newLogCapture()
	argv := e.argv(item, outputDir, maxGranules)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so the runner goroutine can always deliver and exit, even
	// when the timeout already claimed the resolution.
	done := make(chan invokeOutcome, 1)
	go func() {
		code, err := e.runner.Invoke(runCtx, argv, capture)
		done <- invokeOutcome{exitCode: code, err: err}
	}()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	var result Result
	select {
	case outcome := <-done:
		result = e.classify(ctx, item, outputDir, outcome)
	case <-timer.C:
		// The process handle is abandoned to the canceled context; the
		// timeout is the resolution regardless of how it winds down.
		cancel()
		telemetry.ExecutorTimeouts.Inc()
		result = Result{Err: fmt.Sprintf("the service did not complete within %v", e.timeout)}
	case <-ctx.Done():
		result = Result{Err: "execution interrupted: " + ctx.Err().Error()}
	}

	if err := persistLogs(ctx, e.store, e.logPrefix, item, capture.Entries()); err != nil {
		// A logging failure must not crash past the executor boundary; it
		// costs the success result but never masks a real error.
		e.logger.Error("persist worker logs", "workItemID", item.ID, "error", err)
		if !result.Failed() {
			result = Result{Err: defaultMessage}
		}
	}

	if result.Failed() {
		telemetry.ExecutorFailures.Inc()
	} else {
		telemetry.ExecutorSuccess.Inc()
	}
	return result
}

func (e *Executor) classify(ctx context.Context, item models.WorkItem, outputDir string, outcome invokeOutcome) Result {
	if outcome.err != nil {
		e.logger.Error("container invocation failed", "workItemID", item.ID, "error", outcome.err)
		return Result{Err: e.resolver.Resolve(ctx, outputDir, outcome.exitCode, defaultMessage)}
	}
	if outcome.exitCode != 0 {
		return Result{Err: e.resolver.Resolve(ctx, outputDir, outcome.exitCode, "")}
	}

	urls, sizes, err := collectCatalogs(ctx, e.store, outputDir)
	if err != nil {
		e.logger.Error("collect output catalogs", "workItemID", item.ID, "error", err)
		return Result{Err: e.resolver.Resolve(ctx, outputDir, 0, defaultMessage)}
	}
	return Result{
		CatalogURLs: urls,
		Sizes:       sizes,
		ScrollID:    readScrollID(ctx, e.store, outputDir),
	}
}

// outputDir is the well-known location the worker writes catalogs and
// artifacts to for this attempt.
func (e *Executor) outputDir(item models.WorkItem) string {
	return path.Join(e.workDir, item.JobID, item.ID, "outputs")
}

func (e *Executor) argv(item models.WorkItem, outputDir string, maxGranules int) []string {
	argv := []string{
		"docker", "run", "--rm",
		item.ServiceID,
		"--action", "invoke",
		"--input", string(item.Operation),
		"--sources", item.StacCatalogLocation,
		"--metadata-dir", outputDir,
	}
	if item.ScrollID != "" {
		argv = append(argv, "--scroll-id", item.ScrollID)
	}
	if maxGranules > 0 {
		argv = append(argv, "--max-granules", fmt.Sprintf("%d", maxGranules))
	}
	return argv
}
