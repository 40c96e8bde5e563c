package executor

import (
	"context"
	"path"
	"strings"
	"testing"

	"geospatial-work-scheduler/internal/objectstore"
)

func TestResolvePrecedence(t *testing.T) {
	ctx := context.Background()
	const dir = "metadata/job-1/item-1/outputs"

	seedArtifact := func(t *testing.T, store objectstore.Store, content string) {
		t.Helper()
		if err := store.Write(ctx, path.Join(dir, "error.json"), []byte(content), "application/json"); err != nil {
			t.Fatalf("seed artifact: %v", err)
		}
	}

	t.Run("artifact wins over OOM exit code", func(t *testing.T) {
		store := objectstore.NewLocal(t.TempDir())
		seedArtifact(t, store, `{"error":"granule exceeds the area limit"}`)
		got := NewErrorResolver(store, testLogger()).Resolve(ctx, dir, oomExitCode, "")
		if got != "granule exceeds the area limit" {
			t.Fatalf("expected artifact message verbatim, got %q", got)
		}
	})

	t.Run("OOM exit code maps to fixed message", func(t *testing.T) {
		store := objectstore.NewLocal(t.TempDir())
		got := NewErrorResolver(store, testLogger()).Resolve(ctx, dir, oomExitCode, "")
		if got != oomMessage {
			t.Fatalf("expected OOM message, got %q", got)
		}
	})

	t.Run("caller fallback used when provided", func(t *testing.T) {
		store := objectstore.NewLocal(t.TempDir())
		got := NewErrorResolver(store, testLogger()).Resolve(ctx, dir, 1, "custom failure")
		if got != "custom failure" {
			t.Fatalf("expected caller fallback, got %q", got)
		}
	})

	t.Run("exit status message when nothing else applies", func(t *testing.T) {
		store := objectstore.NewLocal(t.TempDir())
		got := NewErrorResolver(store, testLogger()).Resolve(ctx, dir, 42, "")
		if !strings.Contains(got, "exit code 42") {
			t.Fatalf("expected exit status message, got %q", got)
		}
	})

	t.Run("corrupt artifact treated as absent", func(t *testing.T) {
		store := objectstore.NewLocal(t.TempDir())
		seedArtifact(t, store, `{not json`)
		got := NewErrorResolver(store, testLogger()).Resolve(ctx, dir, oomExitCode, "")
		if got != oomMessage {
			t.Fatalf("corrupt artifact should fall through to OOM, got %q", got)
		}
	})

	t.Run("artifact with empty error falls through", func(t *testing.T) {
		store := objectstore.NewLocal(t.TempDir())
		seedArtifact(t, store, `{"error":""}`)
		got := NewErrorResolver(store, testLogger()).Resolve(ctx, dir, 2, "")
		if !strings.Contains(got, "exit code 2") {
			t.Fatalf("empty artifact error should fall through, got %q", got)
		}
	})
}
