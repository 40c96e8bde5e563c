package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testQueues(t *testing.T) *Queues {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewQueuesWithClient(client, "scheduler-requests", 30*time.Second)
}

func TestSendReceiveDelete(t *testing.T) {
	ctx := context.Background()
	qs := testQueues(t)
	q, err := qs.ServiceQueue("svc/subset:latest")
	if err != nil {
		t.Fatalf("service queue: %v", err)
	}

	if err := q.SendMessage(ctx, []byte(`{"hello":"world"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg, err := q.GetMessage(ctx, 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if msg == nil {
		t.Fatal("expected a message")
	}
	if string(msg.Body) != `{"hello":"world"}` {
		t.Fatalf("unexpected body: %s", msg.Body)
	}
	if msg.Receipt == "" {
		t.Fatal("expected a receipt handle")
	}

	// Leased, so a second poll finds nothing.
	again, err := q.GetMessage(ctx, 0)
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if again != nil {
		t.Fatalf("message delivered twice within lease: %s", again.Body)
	}

	if err := q.DeleteMessage(ctx, msg.Receipt); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10); err != nil || n != 0 {
		t.Fatalf("deleted message came back: n=%d err=%v", n, err)
	}
}

func TestShortPollEmptyReturnsNil(t *testing.T) {
	ctx := context.Background()
	qs := testQueues(t)
	q, _ := qs.ServiceQueue("svc/empty:1")

	msg, err := q.GetMessage(ctx, 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if msg != nil {
		t.Fatalf("expected nil on empty queue, got %s", msg.Body)
	}
}

func TestLongPollPicksUpLateMessage(t *testing.T) {
	ctx := context.Background()
	qs := testQueues(t)
	q, _ := qs.ServiceQueue("svc/late:1")

	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = q.SendMessage(context.Background(), []byte(`"late"`))
	}()

	msg, err := q.GetMessage(ctx, 2*time.Second)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if msg == nil {
		t.Fatal("long poll missed the late message")
	}
}

func TestExpiredLeaseIsRedelivered(t *testing.T) {
	ctx := context.Background()
	qs := testQueues(t)
	q, _ := qs.ServiceQueue("svc/lease:1")

	if err := q.SendMessage(ctx, []byte(`"work"`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg, err := q.GetMessage(ctx, 0)
	if err != nil || msg == nil {
		t.Fatalf("get: msg=%v err=%v", msg, err)
	}

	// Consumer crashed; sweep leases as of a time past the deadline.
	n, err := q.RequeueExpired(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 requeued lease, got %d", n)
	}

	redelivered, err := q.GetMessage(ctx, 0)
	if err != nil || redelivered == nil {
		t.Fatalf("expected redelivery, msg=%v err=%v", redelivered, err)
	}
	if string(redelivered.Body) != `"work"` {
		t.Fatalf("redelivered body lost: %s", redelivered.Body)
	}
}

func TestQueuesAreIsolatedPerService(t *testing.T) {
	ctx := context.Background()
	qs := testQueues(t)
	a, _ := qs.ServiceQueue("svc/a:1")
	b, _ := qs.ServiceQueue("svc/b:1")

	if err := a.SendMessage(ctx, []byte(`"for-a"`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg, _ := b.GetMessage(ctx, 0); msg != nil {
		t.Fatalf("message leaked across queues: %s", msg.Body)
	}
	if msg, _ := a.GetMessage(ctx, 0); msg == nil {
		t.Fatal("message missing from its own queue")
	}
}

func TestServiceQueueRequiresServiceID(t *testing.T) {
	qs := testQueues(t)
	if _, err := qs.ServiceQueue(""); err == nil {
		t.Fatal("expected an error for empty service id")
	}
}

func TestDepth(t *testing.T) {
	ctx := context.Background()
	qs := testQueues(t)
	q, _ := qs.ServiceQueue("svc/depth:1")

	for i := 0; i < 3; i++ {
		if err := q.SendMessage(ctx, []byte(`"x"`)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 3 {
		t.Fatalf("expected depth 3, got %d", depth)
	}
}
