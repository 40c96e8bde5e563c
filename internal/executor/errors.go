package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"geospatial-work-scheduler/internal/objectstore"
)

const (
	errorArtifactName = "error.json"

	// Exit code the container runtime reports for out-of-memory kills.
	oomExitCode = 137

	oomMessage     = "the service ran out of memory"
	defaultMessage = "the backend service failed"
)

// ErrorResolver turns a failed execution's signals into one user-facing
// message.
type ErrorResolver struct {
	store  objectstore.Store
	logger *slog.Logger
}

// NewErrorResolver builds a resolver.
func NewErrorResolver(store objectstore.Store, logger *slog.Logger) *ErrorResolver {
	return &ErrorResolver{store: store, logger: logger.With("component", "error-resolver")}
}

// Resolve applies the precedence: a structured error artifact the worker
// wrote wins verbatim; then the OOM exit code maps to a fixed message; then
// the caller's default, or a generic exit-status message. A corrupt or
// unreadable artifact is logged and treated as absent, never propagated.
func (r *ErrorResolver) Resolve(ctx context.Context, outputDir string, exitCode int, fallback string) string {
	var artifact struct {
		Error string `json:"error"`
	}
	err := r.store.ReadJSON(ctx, path.Join(outputDir, errorArtifactName), &artifact)
	if err == nil && artifact.Error != "" {
		return artifact.Error
	}
	if err != nil && !errors.Is(err, objectstore.ErrNotExist) {
		r.logger.Warn("unreadable error artifact ignored", "outputDir", outputDir, "error", err)
	}

	if exitCode == oomExitCode {
		return oomMessage
	}
	if fallback != "" {
		return fallback
	}
	return fmt.Sprintf("the service terminated with exit code %d", exitCode)
}
