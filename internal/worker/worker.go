// Package worker drives one service's consume-execute-record loop.
package worker

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"geospatial-work-scheduler/internal/config"
	"geospatial-work-scheduler/internal/executor"
	"geospatial-work-scheduler/internal/models"
	"geospatial-work-scheduler/internal/queue"
	"geospatial-work-scheduler/internal/scheduler"
	"geospatial-work-scheduler/internal/telemetry"
)

// Store is the slice of the work item store the worker needs to record
// outcomes.
type Store interface {
	scheduler.ItemStore
	CompleteWorkItem(ctx context.Context, id, status, scrollID string) error
	RetryWorkItem(ctx context.Context, id string, maxRetries int) (bool, error)
}

// Worker pulls work for one service and executes it.
type Worker struct {
	cfg      config.Config
	consumer *scheduler.Consumer
	queues   *queue.Queues
	store    Store
	executor *executor.Executor
	logger   *slog.Logger
}

// New builds a worker for cfg.ServiceID.
func New(cfg config.Config, qs *queue.Queues, store Store, exec *executor.Executor, logger *slog.Logger) *Worker {
	return &Worker{
		cfg:      cfg,
		consumer: scheduler.NewConsumer(qs, store, cfg.LongPollWait, logger),
		queues:   qs,
		store:    store,
		executor: exec,
		logger:   logger.With("component", "worker", "serviceID", cfg.ServiceID),
	}
}

// Run loops until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if svcQueue, err := w.queues.ServiceQueue(w.cfg.ServiceID); err == nil {
			if depth, err := svcQueue.Depth(ctx); err == nil {
				telemetry.QueueDepthGauge.Set(float64(depth))
			}
		}

		envelope, err := w.consumer.GetWork(ctx, w.cfg.ServiceID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("get work", "error", err)
			sleep(ctx, w.cfg.PollInterval)
			continue
		}
		if envelope == nil {
			sleep(ctx, w.cfg.PollInterval)
			continue
		}

		w.runItem(ctx, envelope.WorkItem, envelope.MaxGranules)
	}
}

func (w *Worker) runItem(ctx context.Context, item models.WorkItem, maxGranules int) {
	telemetry.RunningGauge.Inc()
	defer telemetry.RunningGauge.Dec()

	result := w.executor.Execute(ctx, item, maxGranules)
	if !result.Failed() {
		if err := w.store.CompleteWorkItem(ctx, item.ID, models.StatusSuccessful, result.ScrollID); err != nil {
			w.logger.Error("record success", "workItemID", item.ID, "error", err)
		}
		w.logger.Info("work item succeeded", "workItemID", item.ID, "outputs", len(result.CatalogURLs))
		return
	}

	retried, err := w.store.RetryWorkItem(ctx, item.ID, w.cfg.MaxRetries)
	if err != nil {
		w.logger.Error("requeue for retry", "workItemID", item.ID, "error", err)
	}
	if retried {
		w.logger.Warn("work item failed, will retry", "workItemID", item.ID, "error", result.Err)
		sleep(ctx, backoffWithJitter(w.cfg.BackoffInitial, w.cfg.BackoffMax, item.RetryCount+1))
		return
	}

	if err := w.store.CompleteWorkItem(ctx, item.ID, models.StatusFailed, ""); err != nil {
		w.logger.Error("record failure", "workItemID", item.ID, "error", err)
	}
	w.logger.Error("work item failed terminally", "workItemID", item.ID, "error", result.Err)
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if max > 0 && wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
