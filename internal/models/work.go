package models

import (
	"encoding/json"
	"time"
)

// WorkItemStatus enumerates work item lifecycle states persisted in Postgres.
const (
	StatusReady      = "ready"
	StatusRunning    = "running"
	StatusSuccessful = "successful"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

// JobStatus values owned by the upstream request layer; the scheduler only
// reads them to decide whether dequeued work is still wanted.
const (
	JobRunning  = "running"
	JobCanceled = "canceled"
)

// Job identifies one user request that owns work items.
type Job struct {
	ID               string    `json:"jobID"`
	Username         string    `json:"username"`
	Status           string    `json:"status"`
	NumInputGranules int       `json:"numInputGranules"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// WorkItem is one schedulable unit of work targeted at a service container.
type WorkItem struct {
	ID                  string          `json:"id"`
	JobID               string          `json:"jobID"`
	ServiceID           string          `json:"serviceID"`
	Status              string          `json:"status"`
	RetryCount          int             `json:"retryCount"`
	ScrollID            string          `json:"scrollID,omitempty"`
	Operation           json.RawMessage `json:"operation"`
	StacCatalogLocation string          `json:"stacCatalogLocation"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// Terminal reports whether the status admits no further transitions.
func Terminal(status string) bool {
	switch status {
	case StatusSuccessful, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Batch groups aggregated work item outputs for one (job, service) pair.
// BatchID is a per-pair sequence number assigned from HighestBatch+1.
type Batch struct {
	JobID     string `json:"jobID"`
	ServiceID string `json:"serviceID"`
	BatchID   int    `json:"batchID"`

	// IsProcessed is an in-memory marker used by aggregation passes; it is
	// never persisted.
	IsProcessed bool `json:"-"`
}

// UserWork tracks ready/running tallies per (username, job, service).
// ReadyCount+RunningCount must equal the job's non-terminal items for the
// tuple; drift is repaired by recomputation, not prevented.
type UserWork struct {
	Username     string    `json:"username"`
	JobID        string    `json:"jobID"`
	ServiceID    string    `json:"serviceID"`
	ReadyCount   int       `json:"readyCount"`
	RunningCount int       `json:"runningCount"`
	LastWorked   time.Time `json:"lastWorked"`
}

// WorkEnvelope is the dispatch message body on a service queue.
type WorkEnvelope struct {
	WorkItem    WorkItem `json:"workItem"`
	MaxGranules int      `json:"maxGranules,omitempty"`
}
