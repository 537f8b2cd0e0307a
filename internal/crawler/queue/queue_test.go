package queue

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kozakura/marketcrawl/internal/crawler/models"
)

func newTestQueue(t *testing.T) (*Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, "animetop"), client
}

func TestPopTaskReturnsNilOnTimeout(t *testing.T) {
	q, _ := newTestQueue(t)
	task, err := q.PopTask(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("PopTask: %v", err)
	}
	if task != nil {
		t.Errorf("expected nil task on empty queue, got %+v", task)
	}
}

func TestPushPopAckRoundTrip(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	req := models.NewCrawlRequest(1, "hololive", "task-1", time.Now().Unix())
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := client.LPush(ctx, "animetop:queue:tasks", data).Err(); err != nil {
		t.Fatalf("seed task queue: %v", err)
	}

	popped, err := q.PopTask(ctx, time.Second)
	if err != nil {
		t.Fatalf("PopTask: %v", err)
	}
	if popped == nil || popped.TaskID != "task-1" {
		t.Fatalf("expected to pop task-1, got %+v", popped)
	}

	started, err := client.HGet(ctx, "animetop:queue:tasks:started", "task-1").Result()
	if err != nil || started == "" {
		t.Errorf("expected start timestamp recorded, err=%v started=%q", err, started)
	}

	processingLen, err := client.LLen(ctx, "animetop:queue:tasks:processing").Result()
	if err != nil || processingLen != 1 {
		t.Errorf("expected 1 task in processing list, got %d (err=%v)", processingLen, err)
	}

	if err := q.AckTask(ctx, *popped); err != nil {
		t.Fatalf("AckTask: %v", err)
	}

	processingLen, err = client.LLen(ctx, "animetop:queue:tasks:processing").Result()
	if err != nil || processingLen != 0 {
		t.Errorf("expected processing list empty after ack, got %d (err=%v)", processingLen, err)
	}
	if exists, _ := client.HExists(ctx, "animetop:queue:tasks:started", "task-1").Result(); exists {
		t.Error("expected started hash entry removed after ack")
	}
}

func TestAckTaskNotFoundIsNotAnError(t *testing.T) {
	q, _ := newTestQueue(t)
	req := models.NewCrawlRequest(1, "hololive", "ghost-task", time.Now().Unix())
	if err := q.AckTask(context.Background(), req); err != nil {
		t.Fatalf("expected no error acking a task never popped (at-least-once race), got %v", err)
	}
}

func TestPushResultUsesCompactJSON(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	resp := models.CrawlResponse{IPID: 5, TaskID: "t5", CrawledAt: 100}
	if err := q.PushResult(ctx, resp); err != nil {
		t.Fatalf("PushResult: %v", err)
	}

	raw, err := client.LPop(ctx, "animetop:queue:results").Result()
	if err != nil {
		t.Fatalf("lpop result: %v", err)
	}
	if strings.Contains(raw, ": ") || strings.Contains(raw, ", ") {
		t.Errorf("expected compact JSON separators, got %s", raw)
	}
}

func TestQueueDepthsAndProcessingCount(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	client.LPush(ctx, "animetop:queue:tasks", "a", "b")
	client.LPush(ctx, "animetop:queue:results", "c")
	client.LPush(ctx, "animetop:queue:tasks:processing", "d")

	taskLen, resultLen, err := q.QueueDepths(ctx)
	if err != nil {
		t.Fatalf("QueueDepths: %v", err)
	}
	if taskLen != 2 || resultLen != 1 {
		t.Errorf("expected taskLen=2 resultLen=1, got %d/%d", taskLen, resultLen)
	}

	processing, err := q.ProcessingCount(ctx)
	if err != nil {
		t.Fatalf("ProcessingCount: %v", err)
	}
	if processing != 1 {
		t.Errorf("expected processing count 1, got %d", processing)
	}
}
