// Package queue implements the reliable task/result queue shared with
// cooperating producers, consumers, and janitors written in other
// languages. Key names, the BRPOPLPUSH handoff, and the ack Lua script are
// a hard compatibility contract — they must match byte for byte across
// implementations.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kozakura/marketcrawl/internal/crawler/models"
)

// ackTaskScript removes a task from the processing list by substring-
// matching its taskId (plain string match, not JSON parsing, so it
// tolerates field-order variation across producer languages), then clears
// the task from the pending dedup set and the started-timestamp hash.
const ackTaskScript = `
local queue = KEYS[1]
local pending = KEYS[2]
local started = KEYS[3]
local taskId = ARGV[1]
local dedupKey = ARGV[2]

local tasks = redis.call('LRANGE', queue, 0, -1)
local removed = 0
for _, task in ipairs(tasks) do
    if string.find(task, '"taskId":"' .. taskId .. '"', 1, true) then
        redis.call('LREM', queue, 1, task)
        removed = removed + 1
        break
    end
end

redis.call('SREM', pending, dedupKey)
redis.call('HDEL', started, taskId)

return removed
`

// Queue is the reliable task/result queue client.
type Queue struct {
	client *redis.Client
	ack    *redis.Script

	taskQueue      string
	taskProcessing string
	taskPending    string
	taskStarted    string
	resultQueue    string
}

// New builds a Queue bound to the given Redis client and namespace. The
// namespace and key suffixes must match the ones used by cooperating
// producers/janitors.
func New(client *redis.Client, namespace string) *Queue {
	return &Queue{
		client:         client,
		ack:            redis.NewScript(ackTaskScript),
		taskQueue:      fmt.Sprintf("%s:queue:tasks", namespace),
		taskProcessing: fmt.Sprintf("%s:queue:tasks:processing", namespace),
		taskPending:    fmt.Sprintf("%s:queue:tasks:pending", namespace),
		taskStarted:    fmt.Sprintf("%s:queue:tasks:started", namespace),
		resultQueue:    fmt.Sprintf("%s:queue:results", namespace),
	}
}

// HealthCheck reports whether the Redis connection is alive.
func (q *Queue) HealthCheck(ctx context.Context) bool {
	return q.client.Ping(ctx).Err() == nil
}

// PopTask blocks up to timeout for a task, atomically moving it from the
// task queue to the processing list via BRPOPLPUSH. It records the task's
// start time in the started hash so a janitor can detect stuck tasks.
// Returns (nil, nil) on timeout.
func (q *Queue) PopTask(ctx context.Context, timeout time.Duration) (*models.CrawlRequest, error) {
	raw, err := q.client.BRPopLPush(ctx, q.taskQueue, q.taskProcessing, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: pop task: %w", err)
	}

	var task models.CrawlRequest
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("queue: decode popped task: %w", err)
	}

	if task.TaskID != "" {
		if err := q.client.HSet(ctx, q.taskStarted, task.TaskID, time.Now().Unix()).Err(); err != nil {
			return nil, fmt.Errorf("queue: record task start: %w", err)
		}
	}

	return &task, nil
}

// PushResult pushes a compact-JSON-encoded result onto the result queue.
func (q *Queue) PushResult(ctx context.Context, response models.CrawlResponse) error {
	data, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("queue: encode result: %w", err)
	}
	if err := q.client.LPush(ctx, q.resultQueue, data).Err(); err != nil {
		return fmt.Errorf("queue: push result: %w", err)
	}
	return nil
}

// AckTask removes the completed task from the processing list, the
// pending dedup set, and the started hash, atomically via ackTaskScript.
// A task not found in the processing list is not an error: at-least-once
// delivery means a janitor or a duplicate delivery may have already
// removed it, so this is logged as a warning and otherwise ignored.
func (q *Queue) AckTask(ctx context.Context, task models.CrawlRequest) error {
	if task.TaskID == "" {
		return fmt.Errorf("queue: cannot ack task with empty taskId (ipId=%d)", task.IPID)
	}

	dedupKey := fmt.Sprintf("ip:%d", task.IPID)
	removed, err := q.ack.Run(ctx, q.client,
		[]string{q.taskProcessing, q.taskPending, q.taskStarted},
		task.TaskID, dedupKey,
	).Int()
	if err != nil {
		return fmt.Errorf("queue: ack task: %w", err)
	}
	if removed == 0 {
		slog.Warn("queue: ack task not found in processing list", "task_id", task.TaskID, "ip_id", task.IPID)
	}
	return nil
}

// QueueDepths returns (task queue length, result queue length).
func (q *Queue) QueueDepths(ctx context.Context) (taskLen, resultLen int64, err error) {
	taskLen, err = q.client.LLen(ctx, q.taskQueue).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("queue: task queue depth: %w", err)
	}
	resultLen, err = q.client.LLen(ctx, q.resultQueue).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("queue: result queue depth: %w", err)
	}
	return taskLen, resultLen, nil
}

// ProcessingCount returns the number of tasks currently checked out for
// processing.
func (q *Queue) ProcessingCount(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.taskProcessing).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: processing count: %w", err)
	}
	return n, nil
}
