package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"geospatial-work-scheduler/internal/models"
	"geospatial-work-scheduler/internal/queue"
)

// ItemStore is the slice of the work item store the consumer needs to vet
// dequeued envelopes against the source of truth.
type ItemStore interface {
	// CheckIn re-reads the item's status; canceled reports true and the item
	// is left alone, otherwise the item is confirmed RUNNING.
	CheckIn(ctx context.Context, id string) (models.WorkItem, bool, error)
}

// Consumer implements the worker-side half of the queue protocol.
type Consumer struct {
	queues   *queue.Queues
	store    ItemStore
	longPoll time.Duration
	logger   *slog.Logger
}

// NewConsumer builds a consumer.
func NewConsumer(qs *queue.Queues, store ItemStore, longPoll time.Duration, logger *slog.Logger) *Consumer {
	if longPoll == 0 {
		longPoll = 20 * time.Second
	}
	return &Consumer{
		queues:   qs,
		store:    store,
		longPoll: longPoll,
		logger:   logger.With("component", "consumer"),
	}
}

// GetWork fetches the next envelope for a service.
//
// Protocol: short-poll the service queue; if empty, ask the scheduler to push
// more work, then long-poll. A received message is deleted before processing;
// lost work on a mid-processing crash is recovered by the retry path rather
// than by holding the queue slot open. The item's status is then re-checked
// against the store, since the queue is never authoritative: a canceled item
// is discarded silently (nil result, nil error).
//
// A missing queue configuration is returned as an error; an empty pass is
// (nil, nil).
func (c *Consumer) GetWork(ctx context.Context, serviceID string) (*models.WorkEnvelope, error) {
	svcQueue, err := c.queues.ServiceQueue(serviceID)
	if err != nil {
		return nil, fmt.Errorf("service %q: %w", serviceID, err)
	}

	msg, err := svcQueue.GetMessage(ctx, 0)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		if err := c.requestScheduling(ctx, serviceID); err != nil {
			c.logger.Error("request scheduling", "serviceID", serviceID, "error", err)
		}
		msg, err = svcQueue.GetMessage(ctx, c.longPoll)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			return nil, nil
		}
	}

	// Delete before processing; the retry path owns crash recovery.
	if err := svcQueue.DeleteMessage(ctx, msg.Receipt); err != nil {
		c.logger.Error("delete envelope", "serviceID", serviceID, "error", err)
	}

	var envelope models.WorkEnvelope
	if err := json.Unmarshal(msg.Body, &envelope); err != nil {
		c.logger.Warn("malformed envelope discarded", "serviceID", serviceID, "error", err)
		return nil, nil
	}

	item, canceled, err := c.store.CheckIn(ctx, envelope.WorkItem.ID)
	if err != nil {
		c.logger.Error("check in work item", "workItemID", envelope.WorkItem.ID, "error", err)
		return nil, nil
	}
	if canceled {
		c.logger.Info("discarding canceled work item", "workItemID", item.ID)
		return nil, nil
	}
	envelope.WorkItem = item
	return &envelope, nil
}

func (c *Consumer) requestScheduling(ctx context.Context, serviceID string) error {
	body, err := json.Marshal(serviceID)
	if err != nil {
		return fmt.Errorf("marshal scheduling request: %w", err)
	}
	return c.queues.SchedulerQueue().SendMessage(ctx, body)
}
