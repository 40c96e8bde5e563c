// Package poller selects the next work items a service should run, balancing
// load across users and jobs.
package poller

import (
	"context"
	"log/slog"
	"math/rand"

	"geospatial-work-scheduler/internal/models"
	"geospatial-work-scheduler/internal/telemetry"
)

// Store is the slice of the work item store the poller needs. Both the
// Postgres store and the in-memory fake satisfy it.
type Store interface {
	NextReadyUser(ctx context.Context, serviceID string) (string, bool, error)
	NextReadyJob(ctx context.Context, serviceID, username string) (string, bool, error)
	NextReadyItems(ctx context.Context, serviceID, jobID string, limit int) ([]models.WorkItem, error)
	JobsWithReadyWork(ctx context.Context, serviceID string, limit int) ([]string, error)
	RecomputeCounts(ctx context.Context, jobID string) error
}

// Poller implements the fairness algorithm over a work item store.
type Poller struct {
	store  Store
	logger *slog.Logger
}

// New builds a poller.
func New(store Store, logger *slog.Logger) *Poller {
	return &Poller{store: store, logger: logger.With("component", "poller")}
}

// Next picks a single item for a service: fair user, then that user's next
// job, then one item from the job. An empty claim despite positive counts
// means the counts drifted; the poller triggers a recompute and reports no
// work for this pass rather than retrying inline.
//
// Store errors are logged and also reported as no work; a pass that finds
// nothing is not an error condition.
func (p *Poller) Next(ctx context.Context, serviceID string) (models.WorkItem, bool) {
	username, ok, err := p.store.NextReadyUser(ctx, serviceID)
	if err != nil {
		p.logger.Error("pick user", "serviceID", serviceID, "error", err)
		return models.WorkItem{}, false
	}
	if !ok {
		return models.WorkItem{}, false
	}

	jobID, ok, err := p.store.NextReadyJob(ctx, serviceID, username)
	if err != nil {
		p.logger.Error("pick job", "serviceID", serviceID, "username", username, "error", err)
		return models.WorkItem{}, false
	}
	if !ok {
		return models.WorkItem{}, false
	}

	items, err := p.store.NextReadyItems(ctx, serviceID, jobID, 1)
	if err != nil {
		p.logger.Error("claim item", "serviceID", serviceID, "jobID", jobID, "error", err)
		return models.WorkItem{}, false
	}
	if len(items) == 0 {
		p.recompute(ctx, jobID)
		return models.WorkItem{}, false
	}
	telemetry.ItemsClaimed.Inc()
	return items[0], true
}

// NextBatch claims up to batchSize items for a service, spread fairly across
// the jobs that have ready work.
//
// The job list is shuffled before iteration. Slack from a job with fewer
// ready items than its allotment can only flow to jobs later in the
// iteration order, so a fixed ordering would starve whichever jobs always
// landed at the tail; the random permutation spreads that slack evenly over
// repeated passes.
func (p *Poller) NextBatch(ctx context.Context, serviceID string, batchSize int) []models.WorkItem {
	jobIDs, err := p.store.JobsWithReadyWork(ctx, serviceID, batchSize)
	if err != nil {
		p.logger.Error("list jobs with ready work", "serviceID", serviceID, "error", err)
		return nil
	}
	if len(jobIDs) == 0 {
		return nil
	}

	rand.Shuffle(len(jobIDs), func(i, j int) {
		jobIDs[i], jobIDs[j] = jobIDs[j], jobIDs[i]
	})

	var batch []models.WorkItem
	remaining := batchSize
	for i, jobID := range jobIDs {
		if remaining <= 0 {
			break
		}
		jobsLeft := len(jobIDs) - i
		allotment := (remaining + jobsLeft - 1) / jobsLeft
		items, err := p.store.NextReadyItems(ctx, serviceID, jobID, allotment)
		if err != nil {
			// One job's trouble must not abort the whole batch.
			p.logger.Error("claim batch items", "serviceID", serviceID, "jobID", jobID, "error", err)
			continue
		}
		if len(items) == 0 {
			p.recompute(ctx, jobID)
			continue
		}
		batch = append(batch, items...)
		remaining -= len(items)
	}
	if n := len(batch); n > 0 {
		telemetry.ItemsClaimed.Add(float64(n))
	}
	return batch
}

func (p *Poller) recompute(ctx context.Context, jobID string) {
	p.logger.Warn("ready counts out of sync, recomputing", "jobID", jobID)
	telemetry.CountRecomputes.Inc()
	if err := p.store.RecomputeCounts(ctx, jobID); err != nil {
		p.logger.Error("recompute counts", "jobID", jobID, "error", err)
	}
}
