// Package scheduler bridges the work item poller and the message queues:
// scheduling requests come in, fairly chosen work items go out.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"geospatial-work-scheduler/internal/models"
	"geospatial-work-scheduler/internal/poller"
	"geospatial-work-scheduler/internal/queue"
	"geospatial-work-scheduler/internal/telemetry"
)

// Limiter throttles scheduling requests per service. Satisfied by
// ratelimit.TokenBucket; nil disables throttling.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Scheduler consumes the scheduler-request queue and pushes dispatch
// envelopes onto service queues.
type Scheduler struct {
	queues      *queue.Queues
	poller      *poller.Poller
	limiter     Limiter
	batchSize   int
	maxGranules int
	logger      *slog.Logger
}

// New builds a scheduler.
func New(qs *queue.Queues, p *poller.Poller, limiter Limiter, batchSize, maxGranules int, logger *slog.Logger) *Scheduler {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Scheduler{
		queues:      qs,
		poller:      p,
		limiter:     limiter,
		batchSize:   batchSize,
		maxGranules: maxGranules,
		logger:      logger.With("component", "scheduler"),
	}
}

// Run drains the scheduler-request queue until the context is canceled.
func (s *Scheduler) Run(ctx context.Context, longPoll time.Duration) error {
	reqQueue := s.queues.SchedulerQueue()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := reqQueue.GetMessage(ctx, longPoll)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("receive scheduling request", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			continue
		}
		if err := reqQueue.DeleteMessage(ctx, msg.Receipt); err != nil {
			s.logger.Error("delete scheduling request", "error", err)
		}

		var serviceID string
		if err := json.Unmarshal(msg.Body, &serviceID); err != nil || serviceID == "" {
			s.logger.Warn("malformed scheduling request", "body", string(msg.Body))
			continue
		}
		s.HandleRequest(ctx, serviceID)
	}
}

// HandleRequest runs one scheduling pass for a service: claim a fair batch
// from the store and enqueue each item as a dispatch envelope. Also sweeps
// the service queue's lapsed leases so stalled envelopes become visible
// again.
func (s *Scheduler) HandleRequest(ctx context.Context, serviceID string) {
	telemetry.SchedulingRequests.Inc()

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(ctx, "schedule:"+serviceID)
		if err != nil {
			s.logger.Error("scheduling throttle", "serviceID", serviceID, "error", err)
		} else if !allowed {
			telemetry.RateLimitRejects.Inc()
			s.logger.Debug("scheduling request throttled", "serviceID", serviceID)
			return
		}
	}

	svcQueue, err := s.queues.ServiceQueue(serviceID)
	if err != nil {
		s.logger.Error("resolve service queue", "serviceID", serviceID, "error", err)
		return
	}
	if n, err := svcQueue.RequeueExpired(ctx, time.Now(), 100); err != nil {
		s.logger.Error("requeue expired envelopes", "serviceID", serviceID, "error", err)
	} else if n > 0 {
		s.logger.Info("returned lapsed envelopes to queue", "serviceID", serviceID, "count", n)
	}

	items := s.poller.NextBatch(ctx, serviceID, s.batchSize)
	for _, item := range items {
		if err := s.enqueue(ctx, svcQueue, item); err != nil {
			s.logger.Error("enqueue work item", "workItemID", item.ID, "error", err)
			continue
		}
		telemetry.ItemsScheduled.Inc()
	}
	if len(items) > 0 {
		s.logger.Info("scheduled work", "serviceID", serviceID, "count", len(items))
	}
}

func (s *Scheduler) enqueue(ctx context.Context, q *queue.Queue, item models.WorkItem) error {
	body, err := json.Marshal(models.WorkEnvelope{WorkItem: item, MaxGranules: s.maxGranules})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return q.SendMessage(ctx, body)
}
