package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"

	"geospatial-work-scheduler/internal/objectstore"
)

const (
	manifestName = "batch-catalogs.json"
	scrollName   = "scroll.json"
)

var catalogPattern = regexp.MustCompile(`^catalog(\d+)\.json$`)

// collectCatalogs resolves the output STAC catalog references for a finished
// item. An explicit manifest wins and its order is preserved; otherwise
// catalog<N>.json files are consumed in ascending numeric order of N, since
// the indices are unpadded and lexicographic order would interleave them.
func collectCatalogs(ctx context.Context, store objectstore.Store, outputDir string) ([]string, []int64, error) {
	manifestURL := path.Join(outputDir, manifestName)
	var manifest []json.RawMessage
	err := store.ReadJSON(ctx, manifestURL, &manifest)
	if err == nil {
		return catalogsFromManifest(outputDir, manifest)
	}
	if !errors.Is(err, objectstore.ErrNotExist) {
		return nil, nil, fmt.Errorf("read output manifest: %w", err)
	}

	names, err := store.List(ctx, outputDir)
	if err != nil {
		return nil, nil, fmt.Errorf("list output dir: %w", err)
	}
	var catalogs []string
	for _, name := range names {
		if catalogPattern.MatchString(name) {
			catalogs = append(catalogs, name)
		}
	}
	sort.Slice(catalogs, func(i, j int) bool {
		return catalogIndex(catalogs[i]) < catalogIndex(catalogs[j])
	})

	urls := make([]string, len(catalogs))
	sizes := make([]int64, len(catalogs))
	for i, name := range catalogs {
		urls[i] = path.Join(outputDir, name)
	}
	return urls, sizes, nil
}

// catalogsFromManifest accepts entries that are either bare filename strings
// or {path, size} objects.
func catalogsFromManifest(outputDir string, manifest []json.RawMessage) ([]string, []int64, error) {
	urls := make([]string, 0, len(manifest))
	sizes := make([]int64, 0, len(manifest))
	for _, raw := range manifest {
		var name string
		if err := json.Unmarshal(raw, &name); err == nil {
			urls = append(urls, path.Join(outputDir, name))
			sizes = append(sizes, 0)
			continue
		}
		var entry struct {
			Path string `json:"path"`
			Size int64  `json:"size"`
		}
		if err := json.Unmarshal(raw, &entry); err != nil || entry.Path == "" {
			return nil, nil, fmt.Errorf("unrecognized manifest entry %s", string(raw))
		}
		urls = append(urls, path.Join(outputDir, entry.Path))
		sizes = append(sizes, entry.Size)
	}
	return urls, sizes, nil
}

func catalogIndex(name string) int {
	m := catalogPattern.FindStringSubmatch(name)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// readScrollID returns the next pagination cursor a paged worker left behind,
// empty when there is none.
func readScrollID(ctx context.Context, store objectstore.Store, outputDir string) string {
	var artifact struct {
		ScrollID string `json:"scrollID"`
	}
	if err := store.ReadJSON(ctx, path.Join(outputDir, scrollName), &artifact); err != nil {
		return ""
	}
	return artifact.ScrollID
}
