// Package objectstore persists catalogs, logs, and worker artifacts behind a
// minimal exists/read/write/list contract with local filesystem and S3
// backends.
package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"geospatial-work-scheduler/internal/config"
)

// ErrNotExist reports a missing object.
var ErrNotExist = errors.New("object does not exist")

// Store is the object store contract the scheduler core consumes.
type Store interface {
	Exists(ctx context.Context, url string) (bool, error)
	ReadJSON(ctx context.Context, url string, out any) error
	Write(ctx context.Context, url string, content []byte, contentType string) error
	// List returns object names (not full urls) directly under a prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// New picks a backend from config: S3 when a bucket is set, local otherwise.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	if cfg.StoreBucket != "" {
		return newS3Store(ctx, cfg)
	}
	return &localStore{baseDir: cfg.StoreLocalDir}, nil
}

// localStore keeps objects under a base directory, treating urls as relative
// paths.
type localStore struct {
	baseDir string
}

// NewLocal creates a filesystem-backed store rooted at baseDir, used directly
// by tests.
func NewLocal(baseDir string) Store {
	return &localStore{baseDir: baseDir}
}

func (l *localStore) path(url string) string {
	url = filepath.Clean(strings.TrimPrefix(url, "/"))
	return filepath.Join(l.baseDir, url)
}

func (l *localStore) Exists(_ context.Context, url string) (bool, error) {
	_, err := os.Stat(l.path(url))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", url, err)
}

func (l *localStore) ReadJSON(_ context.Context, url string, out any) error {
	data, err := os.ReadFile(l.path(url))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", url, ErrNotExist)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", url, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

func (l *localStore) Write(_ context.Context, url string, content []byte, _ string) error {
	path := l.path(url)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", url, err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", url, err)
	}
	return nil
}

func (l *localStore) List(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(l.path(prefix))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
