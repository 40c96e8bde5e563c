package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"geospatial-work-scheduler/internal/models"
	"geospatial-work-scheduler/internal/objectstore"
)

// LogEntry is one captured worker log line: either plain text or a
// structured record. Exactly one of Text/Fields is set.
type LogEntry struct {
	Text   string
	Fields map[string]any
}

// MarshalJSON renders text entries as bare strings and structured entries as
// objects, matching the persisted log array format.
func (e LogEntry) MarshalJSON() ([]byte, error) {
	if e.Fields != nil {
		return json.Marshal(e.Fields)
	}
	return json.Marshal(e.Text)
}

func (e *LogEntry) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '{' {
		return json.Unmarshal(data, &e.Fields)
	}
	return json.Unmarshal(data, &e.Text)
}

// reserved worker log fields renamed to avoid colliding with the scheduler's
// own log fields when entries are re-emitted.
var renamedFields = map[string]string{
	"timestamp": "workerTimestamp",
	"level":     "workerLevel",
}

// logCapture is an io.Writer that splits the worker's combined output into
// log entries. Lines that parse as JSON objects become structured entries
// with reserved fields renamed; anything else is kept as plain text. Every
// entry is tagged as worker output.
type logCapture struct {
	mu      sync.Mutex
	partial bytes.Buffer
	entries []LogEntry
}

func newLogCapture() *logCapture {
	return &logCapture{}
}

func (c *logCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partial.Write(p)
	for {
		line, err := c.partial.ReadString('\n')
		if err != nil {
			// No newline yet; keep the partial for the next write.
			c.partial.WriteString(line)
			break
		}
		c.addLine(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

func (c *logCapture) addLine(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	if strings.HasPrefix(strings.TrimSpace(line), "{") {
		var fields map[string]any
		if err := json.Unmarshal([]byte(line), &fields); err == nil {
			for from, to := range renamedFields {
				if v, ok := fields[from]; ok {
					fields[to] = v
					delete(fields, from)
				}
			}
			fields["worker"] = true
			c.entries = append(c.entries, LogEntry{Fields: fields})
			return
		}
	}
	c.entries = append(c.entries, LogEntry{Text: "worker: " + line})
}

// Entries flushes any trailing partial line and returns the captured log.
func (c *logCapture) Entries() []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.partial.Len() > 0 {
		c.addLine(c.partial.String())
		c.partial.Reset()
	}
	return c.entries
}

// logLocation is the well-known per-item log object.
func logLocation(prefix string, item models.WorkItem) string {
	return path.Join(prefix, item.JobID, item.ID+".json")
}

// persistLogs appends captured entries to any previously stored log for the
// item. The read-concatenate-rewrite is not atomic; an item runs on at most
// one executor at a time, which is what makes it safe.
func persistLogs(ctx context.Context, store objectstore.Store, prefix string, item models.WorkItem, entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	location := logLocation(prefix, item)

	var existing []LogEntry
	if err := store.ReadJSON(ctx, location, &existing); err != nil && !errors.Is(err, objectstore.ErrNotExist) {
		return fmt.Errorf("read prior logs: %w", err)
	}
	if item.RetryCount > 0 {
		marker := LogEntry{Text: fmt.Sprintf("*** worker retry %d for item %s", item.RetryCount, item.ID)}
		existing = append(existing, marker)
	}
	existing = append(existing, entries...)

	content, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}
	if err := store.Write(ctx, location, content, "application/json"); err != nil {
		return fmt.Errorf("write logs: %w", err)
	}
	return nil
}
