package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path"
	"strings"
	"testing"
	"time"

	"geospatial-work-scheduler/internal/logging"
	"geospatial-work-scheduler/internal/models"
	"geospatial-work-scheduler/internal/objectstore"
)

func testLogger() *slog.Logger {
	return logging.NewWithWriter("error", "text", io.Discard)
}

// scriptedRunner plays back a canned container run.
type scriptedRunner struct {
	stdout   string
	exitCode int
	err      error
	block    bool // never completes; waits for cancellation
}

func (r *scriptedRunner) Invoke(ctx context.Context, _ []string, stdout io.Writer) (int, error) {
	if r.stdout != "" {
		_, _ = stdout.Write([]byte(r.stdout))
	}
	if r.block {
		<-ctx.Done()
		return -1, ctx.Err()
	}
	return r.exitCode, r.err
}

func testItem() models.WorkItem {
	return models.WorkItem{
		ID:        "item-1",
		JobID:     "job-1",
		ServiceID: "svc/subset:latest",
		Operation: []byte(`{"format":"image/tiff"}`),
	}
}

func newExecutor(t *testing.T, runner Runner, store objectstore.Store, timeout time.Duration) *Executor {
	t.Helper()
	return New(runner, store, "metadata", "logs", timeout, testLogger())
}

func outputsDir(item models.WorkItem) string {
	return path.Join("metadata", item.JobID, item.ID, "outputs")
}

func TestExecuteCollectsCatalogsInNumericOrder(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewLocal(t.TempDir())
	item := testItem()
	dir := outputsDir(item)
	// Unpadded indices: lexicographic order would give 0, 10, 2.
	for _, name := range []string{"catalog0.json", "catalog2.json", "catalog10.json"} {
		if err := store.Write(ctx, path.Join(dir, name), []byte(`{}`), "application/json"); err != nil {
			t.Fatalf("seed catalog: %v", err)
		}
	}

	result := newExecutor(t, &scriptedRunner{}, store, time.Minute).Execute(ctx, item, 0)
	if result.Failed() {
		t.Fatalf("unexpected error: %s", result.Err)
	}
	want := []string{
		path.Join(dir, "catalog0.json"),
		path.Join(dir, "catalog2.json"),
		path.Join(dir, "catalog10.json"),
	}
	if len(result.CatalogURLs) != len(want) {
		t.Fatalf("expected %d catalogs, got %d", len(want), len(result.CatalogURLs))
	}
	for i := range want {
		if result.CatalogURLs[i] != want[i] {
			t.Fatalf("catalog %d: expected %s, got %s", i, want[i], result.CatalogURLs[i])
		}
	}
}

func TestExecutePrefersManifestOrderAndSizes(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewLocal(t.TempDir())
	item := testItem()
	dir := outputsDir(item)
	manifest := `[{"path":"catalog1.json","size":42},"catalog0.json"]`
	if err := store.Write(ctx, path.Join(dir, "batch-catalogs.json"), []byte(manifest), "application/json"); err != nil {
		t.Fatalf("seed manifest: %v", err)
	}

	result := newExecutor(t, &scriptedRunner{}, store, time.Minute).Execute(ctx, item, 0)
	if result.Failed() {
		t.Fatalf("unexpected error: %s", result.Err)
	}
	if len(result.CatalogURLs) != 2 || !strings.HasSuffix(result.CatalogURLs[0], "catalog1.json") {
		t.Fatalf("manifest order not preserved: %v", result.CatalogURLs)
	}
	if result.Sizes[0] != 42 || result.Sizes[1] != 0 {
		t.Fatalf("unexpected sizes: %v", result.Sizes)
	}
}

func TestExecutePicksUpScrollCursor(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewLocal(t.TempDir())
	item := testItem()
	dir := outputsDir(item)
	if err := store.Write(ctx, path.Join(dir, "scroll.json"), []byte(`{"scrollID":"page-7"}`), "application/json"); err != nil {
		t.Fatalf("seed scroll artifact: %v", err)
	}

	result := newExecutor(t, &scriptedRunner{}, store, time.Minute).Execute(ctx, item, 0)
	if result.Failed() {
		t.Fatalf("unexpected error: %s", result.Err)
	}
	if result.ScrollID != "page-7" {
		t.Fatalf("expected scroll cursor page-7, got %q", result.ScrollID)
	}
}

func TestExecuteTimeoutResolvesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewLocal(t.TempDir())

	timeout := 100 * time.Millisecond
	start := time.Now()
	result := newExecutor(t, &scriptedRunner{block: true}, store, timeout).Execute(ctx, testItem(), 0)
	elapsed := time.Since(start)

	if !result.Failed() {
		t.Fatal("expected a timeout error")
	}
	if !strings.Contains(result.Err, timeout.String()) {
		t.Fatalf("timeout error does not reference the configured duration: %s", result.Err)
	}
	if len(result.CatalogURLs) != 0 {
		t.Fatalf("timeout result also carries outputs: %v", result.CatalogURLs)
	}
	if elapsed > 5*time.Second {
		t.Fatalf("executor hung past its timeout: %s", elapsed)
	}
}

func TestExecuteFailureUsesExitCodeMessage(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewLocal(t.TempDir())

	result := newExecutor(t, &scriptedRunner{exitCode: 3}, store, time.Minute).Execute(ctx, testItem(), 0)
	if !result.Failed() {
		t.Fatal("expected failure for exit code 3")
	}
	if !strings.Contains(result.Err, "exit code 3") {
		t.Fatalf("unexpected message: %s", result.Err)
	}
}

func TestExecutePersistsWorkerLogs(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewLocal(t.TempDir())
	item := testItem()

	stdout := `{"timestamp":"2026-01-02T03:04:05Z","level":"info","message":"processing granule"}` + "\nplain progress line\n"
	result := newExecutor(t, &scriptedRunner{stdout: stdout}, store, time.Minute).Execute(ctx, item, 0)
	if result.Failed() {
		t.Fatalf("unexpected error: %s", result.Err)
	}

	var persisted []LogEntry
	if err := store.ReadJSON(ctx, path.Join("logs", item.JobID, item.ID+".json"), &persisted); err != nil {
		t.Fatalf("read persisted logs: %v", err)
	}
	if len(persisted) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(persisted))
	}
	structured := persisted[0].Fields
	if structured == nil {
		t.Fatal("first entry should be structured")
	}
	if _, ok := structured["timestamp"]; ok {
		t.Fatal("reserved field timestamp not renamed")
	}
	if structured["workerTimestamp"] != "2026-01-02T03:04:05Z" || structured["workerLevel"] != "info" {
		t.Fatalf("renamed fields missing: %v", structured)
	}
	if structured["worker"] != true {
		t.Fatal("structured entry not tagged as worker output")
	}
	if persisted[1].Text != "worker: plain progress line" {
		t.Fatalf("plain line mangled: %q", persisted[1].Text)
	}
}

func TestPersistLogsAppendsWithRetryMarker(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewLocal(t.TempDir())
	item := testItem()
	item.RetryCount = 2
	location := path.Join("logs", item.JobID, item.ID+".json")

	if err := store.Write(ctx, location, []byte(`["worker: first attempt"]`), "application/json"); err != nil {
		t.Fatalf("seed prior logs: %v", err)
	}
	entries := []LogEntry{{Text: "worker: second attempt"}}
	if err := persistLogs(ctx, store, "logs", item, entries); err != nil {
		t.Fatalf("persist: %v", err)
	}

	var persisted []LogEntry
	if err := store.ReadJSON(ctx, location, &persisted); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(persisted) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(persisted))
	}
	if persisted[0].Text != "worker: first attempt" {
		t.Fatalf("prior logs lost: %q", persisted[0].Text)
	}
	if !strings.Contains(persisted[1].Text, "retry 2") || !strings.Contains(persisted[1].Text, item.ID) {
		t.Fatalf("retry marker missing: %q", persisted[1].Text)
	}
}

// failingStore wraps a Store and fails every write.
type failingStore struct {
	objectstore.Store
}

func (f *failingStore) Write(context.Context, string, []byte, string) error {
	return errors.New("store unavailable")
}

func TestLogUploadFailureYieldsDefaultError(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Store: objectstore.NewLocal(t.TempDir())}

	result := newExecutor(t, &scriptedRunner{stdout: "some output\n"}, store, time.Minute).Execute(ctx, testItem(), 0)
	if !result.Failed() {
		t.Fatal("expected the failed upload to cost the success result")
	}
	if result.Err != defaultMessage {
		t.Fatalf("expected the default failure message, got %q", result.Err)
	}
}
