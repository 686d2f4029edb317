package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisJobQueueRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	if err := q.requeueAndAck(ctx, msgID, job); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := streams[0].Messages[0]
	if got.Values["job_id"] != job.ID || got.Values["extraction_id"] != job.ExtractionID || got.Values["user_id"] != job.UserID {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestRedisJobQueueRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, job); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}

	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected no new message in stream on failure, got len=%d", streamLen)
	}
}

func TestRedisJobQueueEnqueueRequiresExtractionID(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{Addr: redisSrv.Addr(), Stream: "test:queue"})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	if _, err := q.Enqueue(context.Background(), " ", "user-1"); err == nil {
		t.Fatalf("expected empty extraction id to fail")
	}
}

func TestRedisJobQueueRetriesThenSucceeds(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:       redisSrv.Addr(),
		Stream:     "test:queue",
		Group:      "test-group",
		Consumer:   "worker",
		Block:      20 * time.Millisecond,
		RetryDelay: time.Millisecond,
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		q.Wait()
	}()

	job, err := q.Enqueue(ctx, "ext-1", "user-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var calls int32
	done := make(chan Job, 1)
	if err := q.Start(ctx, 1, func(_ context.Context, j Job) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("transient")
		}
		done <- j
		return nil
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case got := <-done:
		if got.ExtractionID != "ext-1" || got.UserID != "user-1" {
			t.Fatalf("unexpected job: %+v", got)
		}
		if got.Attempts != 2 {
			t.Fatalf("attempts = %d, want 2", got.Attempts)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("job was not redelivered")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		status, ok, err := q.GetJob(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if ok && status.Status == StatusDone {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job status = %+v, want done", status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRedisJobQueueMarksFailedAfterMaxRetries(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:       redisSrv.Addr(),
		Stream:     "test:queue",
		Block:      20 * time.Millisecond,
		RetryDelay: time.Millisecond,
		MaxRetries: 2,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		q.Wait()
	}()

	job, err := q.Enqueue(ctx, "ext-1", "user-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var calls int32
	if err := q.Start(ctx, 1, func(context.Context, Job) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("store down")
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		status, ok, err := q.GetJob(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if ok && status.Status == StatusFailed {
			if status.ErrorMessage != "store down" {
				t.Fatalf("error message = %q", status.ErrorMessage)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job status = %+v, want failed", status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("handler calls = %d, want 2", got)
	}
}

func newPendingQueueMessage(t *testing.T) (*RedisJobQueue, context.Context, string, Job) {
	t.Helper()

	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:       redisSrv.Addr(),
		Stream:     "test:queue",
		Group:      "test-group",
		Consumer:   "consumer-1",
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	ctx := context.Background()
	if err := q.ensureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	job, err := q.Enqueue(ctx, "ext-1", "user-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}

	return q, ctx, streams[0].Messages[0].ID, job
}

func TestRedisJobQueueClaimIdle(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{Addr: redisSrv.Addr(), Stream: "test:queue"})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	defer q.Close()
	if got := q.ClaimIdle(); got != 30*time.Second {
		t.Fatalf("default claim idle = %s, want 30s", got)
	}
	q2, err := NewRedisJobQueue(RedisQueueConfig{Addr: redisSrv.Addr(), Stream: "test:queue", ClaimIdle: 3 * time.Minute})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	defer q2.Close()
	if got := q2.ClaimIdle(); got != 3*time.Minute {
		t.Fatalf("claim idle = %s, want 3m", got)
	}
}
