package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"geospatial-work-scheduler/internal/models"
)

// Memory is an in-process WorkItemStore with the same method set as the
// Postgres Store. It backs poller, scheduler, and consumer tests; a mutex
// stands in for the database transaction boundary.
type Memory struct {
	mu      sync.Mutex
	jobs    map[string]models.Job
	items   map[string]models.WorkItem
	order   []string
	batches map[string][]int
	counts  map[string]*models.UserWork
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:    map[string]models.Job{},
		items:   map[string]models.WorkItem{},
		batches: map[string][]int{},
		counts:  map[string]*models.UserWork{},
	}
}

func pairKey(jobID, serviceID string) string { return jobID + "/" + serviceID }

func (m *Memory) CreateJob(_ context.Context, job models.Job) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.JobRunning
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	m.jobs[job.ID] = job
	return job, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s not found", id)
	}
	return job, nil
}

func (m *Memory) AddWorkItems(_ context.Context, username string, items []models.WorkItem) ([]models.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for i := range items {
		if items[i].ID == "" {
			items[i].ID = uuid.New().String()
		}
		items[i].Status = models.StatusReady
		items[i].CreatedAt = now
		items[i].UpdatedAt = now
		m.items[items[i].ID] = items[i]
		m.order = append(m.order, items[i].ID)

		key := pairKey(items[i].JobID, items[i].ServiceID)
		uw, ok := m.counts[key]
		if !ok {
			uw = &models.UserWork{Username: username, JobID: items[i].JobID, ServiceID: items[i].ServiceID, LastWorked: now}
			m.counts[key] = uw
		}
		uw.ReadyCount++
	}
	return items, nil
}

func (m *Memory) GetWorkItem(_ context.Context, id string) (models.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return models.WorkItem{}, fmt.Errorf("work item %s not found", id)
	}
	return item, nil
}

func (m *Memory) ListWorkItems(_ context.Context, jobID string) ([]models.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WorkItem
	for _, id := range m.order {
		if m.items[id].JobID == jobID {
			out = append(out, m.items[id])
		}
	}
	return out, nil
}

func (m *Memory) NextReadyUser(_ context.Context, serviceID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type tally struct {
		running    int
		lastWorked time.Time
	}
	byUser := map[string]*tally{}
	for _, uw := range m.counts {
		if uw.ServiceID != serviceID || uw.ReadyCount == 0 {
			continue
		}
		t, ok := byUser[uw.Username]
		if !ok {
			t = &tally{lastWorked: uw.LastWorked}
			byUser[uw.Username] = t
		}
		t.running += uw.RunningCount
		if uw.LastWorked.Before(t.lastWorked) {
			t.lastWorked = uw.LastWorked
		}
	}
	var best string
	for user, t := range byUser {
		if best == "" {
			best = user
			continue
		}
		b := byUser[best]
		if t.running < b.running || (t.running == b.running && t.lastWorked.Before(b.lastWorked)) {
			best = user
		}
	}
	return best, best != "", nil
}

func (m *Memory) NextReadyJob(_ context.Context, serviceID, username string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.UserWork
	for _, uw := range m.counts {
		if uw.ServiceID != serviceID || uw.Username != username || uw.ReadyCount == 0 {
			continue
		}
		if best == nil || uw.LastWorked.Before(best.LastWorked) {
			best = uw
		}
	}
	if best == nil {
		return "", false, nil
	}
	return best.JobID, true, nil
}

func (m *Memory) JobsWithReadyWork(_ context.Context, serviceID string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []*models.UserWork
	for _, uw := range m.counts {
		if uw.ServiceID == serviceID && uw.ReadyCount > 0 {
			rows = append(rows, uw)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].LastWorked.Before(rows[j].LastWorked) })
	var jobIDs []string
	for _, uw := range rows {
		if len(jobIDs) == limit {
			break
		}
		jobIDs = append(jobIDs, uw.JobID)
	}
	return jobIDs, nil
}

func (m *Memory) NextReadyItems(_ context.Context, serviceID, jobID string, limit int) ([]models.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uw := m.counts[pairKey(jobID, serviceID)]
	now := time.Now().UTC()
	var claimed []models.WorkItem
	for _, id := range m.order {
		if len(claimed) == limit {
			break
		}
		item := m.items[id]
		if item.JobID != jobID || item.ServiceID != serviceID || item.Status != models.StatusReady {
			continue
		}
		item.Status = models.StatusRunning
		item.UpdatedAt = now
		m.items[id] = item
		claimed = append(claimed, item)
	}
	if uw != nil && len(claimed) > 0 {
		uw.ReadyCount -= len(claimed)
		if uw.ReadyCount < 0 {
			uw.ReadyCount = 0
		}
		uw.RunningCount += len(claimed)
		uw.LastWorked = now
	}
	return claimed, nil
}

func (m *Memory) RecomputeCounts(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, uw := range m.counts {
		if uw.JobID != jobID {
			continue
		}
		ready, running := 0, 0
		for _, item := range m.items {
			if item.JobID != uw.JobID || item.ServiceID != uw.ServiceID {
				continue
			}
			switch item.Status {
			case models.StatusReady:
				ready++
			case models.StatusRunning:
				running++
			}
		}
		uw.ReadyCount = ready
		uw.RunningCount = running
	}
	return nil
}

func (m *Memory) CheckIn(_ context.Context, id string) (models.WorkItem, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return models.WorkItem{}, false, fmt.Errorf("work item %s not found", id)
	}
	if item.Status == models.StatusCanceled {
		return item, true, nil
	}
	if item.Status != models.StatusRunning {
		item.Status = models.StatusRunning
		item.UpdatedAt = time.Now().UTC()
		m.items[id] = item
	}
	return item, false, nil
}

func (m *Memory) CompleteWorkItem(_ context.Context, id, status, scrollID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return fmt.Errorf("work item %s not found", id)
	}
	if models.Terminal(item.Status) {
		return nil
	}
	if uw := m.counts[pairKey(item.JobID, item.ServiceID)]; uw != nil {
		switch item.Status {
		case models.StatusRunning:
			if uw.RunningCount > 0 {
				uw.RunningCount--
			}
		case models.StatusReady:
			if uw.ReadyCount > 0 {
				uw.ReadyCount--
			}
		}
	}
	item.Status = status
	if scrollID != "" {
		item.ScrollID = scrollID
	}
	item.UpdatedAt = time.Now().UTC()
	m.items[id] = item
	return nil
}

func (m *Memory) RetryWorkItem(_ context.Context, id string, maxRetries int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return false, fmt.Errorf("work item %s not found", id)
	}
	if item.Status != models.StatusRunning || item.RetryCount >= maxRetries {
		return false, nil
	}
	item.Status = models.StatusReady
	item.RetryCount++
	item.UpdatedAt = time.Now().UTC()
	m.items[id] = item
	if uw := m.counts[pairKey(item.JobID, item.ServiceID)]; uw != nil {
		if uw.RunningCount > 0 {
			uw.RunningCount--
		}
		uw.ReadyCount++
	}
	return true, nil
}

func (m *Memory) CancelJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if ok {
		job.Status = models.JobCanceled
		job.UpdatedAt = time.Now().UTC()
		m.jobs[jobID] = job
	}
	for id, item := range m.items {
		if item.JobID == jobID && !models.Terminal(item.Status) {
			item.Status = models.StatusCanceled
			m.items[id] = item
		}
	}
	for _, uw := range m.counts {
		if uw.JobID == jobID {
			uw.ReadyCount = 0
			uw.RunningCount = 0
		}
	}
	return nil
}

func (m *Memory) HighestBatch(_ context.Context, jobID, serviceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	highest := 0
	for _, id := range m.batches[pairKey(jobID, serviceID)] {
		if id > highest {
			highest = id
		}
	}
	return highest, nil
}

func (m *Memory) NextBatch(_ context.Context, jobID, serviceID string) (models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(jobID, serviceID)
	highest := 0
	for _, id := range m.batches[key] {
		if id > highest {
			highest = id
		}
	}
	batch := models.Batch{JobID: jobID, ServiceID: serviceID, BatchID: highest + 1}
	m.batches[key] = append(m.batches[key], batch.BatchID)
	return batch, nil
}

// AddBatch records an existing batch id, used by tests seeding out-of-order
// histories.
func (m *Memory) AddBatch(jobID, serviceID string, batchID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(jobID, serviceID)
	m.batches[key] = append(m.batches[key], batchID)
}

func (m *Memory) UserWorkCounts(_ context.Context, jobID string) ([]models.UserWork, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.UserWork
	for _, uw := range m.counts {
		if uw.JobID == jobID {
			out = append(out, *uw)
		}
	}
	return out, nil
}

// SetCounts overwrites a pair's counts, letting tests manufacture the drift
// the recompute path exists to repair.
func (m *Memory) SetCounts(jobID, serviceID string, ready, running int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uw, ok := m.counts[pairKey(jobID, serviceID)]
	if !ok {
		uw = &models.UserWork{JobID: jobID, ServiceID: serviceID, LastWorked: time.Now().UTC()}
		m.counts[pairKey(jobID, serviceID)] = uw
	}
	uw.ReadyCount = ready
	uw.RunningCount = running
}
