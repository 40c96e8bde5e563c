package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"geospatial-work-scheduler/internal/config"
)

// ErrNoQueue signals a service without a configured queue, an operator
// problem rather than a retryable condition.
var ErrNoQueue = errors.New("no queue configured for service")

// Message is one dequeued envelope. Receipt is opaque to callers and only
// valid until DeleteMessage or lease expiry.
type Message struct {
	Body    []byte
	Receipt string
}

// Queues hands out per-service work queues plus the scheduler-request queue,
// all backed by one Redis client.
type Queues struct {
	client     *redis.Client
	visibility time.Duration
	scheduler  *Queue
}

// NewQueues builds the queue set from config.
func NewQueues(cfg config.Config) *Queues {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewQueuesWithClient(client, cfg.SchedulerQueueName, cfg.VisibilityTimeout)
}

// NewQueuesWithClient wires an existing client, used by tests with miniredis.
func NewQueuesWithClient(client *redis.Client, schedulerName string, visibility time.Duration) *Queues {
	if visibility == 0 {
		visibility = 2 * time.Minute
	}
	q := &Queues{client: client, visibility: visibility}
	q.scheduler = q.named(schedulerName)
	return q
}

// ServiceQueue returns the dispatch queue for a service image id.
func (qs *Queues) ServiceQueue(serviceID string) (*Queue, error) {
	if serviceID == "" {
		return nil, ErrNoQueue
	}
	return qs.named(queueNameForService(serviceID)), nil
}

// SchedulerQueue returns the shared scheduler-request queue.
func (qs *Queues) SchedulerQueue() *Queue {
	return qs.scheduler
}

func (qs *Queues) named(name string) *Queue {
	return &Queue{
		client:      qs.client,
		readyKey:    "queue:ready:" + name,
		bodyKey:     "queue:body:" + name,
		inflightKey: "queue:inflight:" + name,
		visibility:  qs.visibility,
	}
}

// queueNameForService flattens an image+tag id into a Redis-safe queue name.
func queueNameForService(serviceID string) string {
	r := strings.NewReplacer("/", "-", ":", "-", "@", "-")
	return "svc-" + r.Replace(serviceID)
}

// Queue is one at-least-once message queue: a ready list of message ids, a
// body hash, and a deadline-scored in-flight set. Delivery may duplicate or
// reorder; the store stays authoritative for item status.
type Queue struct {
	client      *redis.Client
	readyKey    string
	bodyKey     string
	inflightKey string
	visibility  time.Duration
}

// SendMessage enqueues a JSON body.
func (q *Queue) SendMessage(ctx context.Context, body []byte) error {
	id := uuid.New().String()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.bodyKey, id, body)
	pipe.RPush(ctx, q.readyKey, id)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// GetMessage pops one message, leasing it for the visibility timeout. A zero
// wait is a single short poll; otherwise it polls until the wait elapses.
// Returns nil when nothing arrived.
func (q *Queue) GetMessage(ctx context.Context, wait time.Duration) (*Message, error) {
	deadline := time.Now().Add(wait)
	for {
		msg, err := q.tryGet(ctx)
		if err != nil || msg != nil {
			return msg, err
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (q *Queue) tryGet(ctx context.Context) (*Message, error) {
	keys := []string{q.readyKey, q.inflightKey, q.bodyKey}
	res, err := popScript.Run(ctx, q.client, keys, time.Now().Add(q.visibility).UnixMilli()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop message: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return nil, fmt.Errorf("unexpected pop script result: %T", res)
	}
	id, _ := arr[0].(string)
	body, _ := arr[1].(string)
	return &Message{Body: []byte(body), Receipt: id}, nil
}

// DeleteMessage acknowledges a message, dropping its lease and body.
func (q *Queue) DeleteMessage(ctx context.Context, receipt string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, receipt)
	pipe.HDel(ctx, q.bodyKey, receipt)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// RequeueExpired returns lapsed leases to the ready list. Bodies survive the
// lapse, so redelivery carries the original envelope.
func (q *Queue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan expired leases: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("requeue expired: %w", err)
	}
	return len(ids), nil
}

// Depth returns the ready backlog length.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var popScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
local body = redis.call('HGET', KEYS[3], id)
return {id, body}
`)
