package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const queueKey = "taskpilot:queue"

// Queue is the asynchronous handoff between the request path and the
// workers: a Redis list of task identifiers. Delivery is at-least-once
// with no ordering guarantee across tasks; re-enqueuing an identifier
// that is already queued is allowed, the worker's claim sorts it out.
type Queue struct {
	client *redis.Client
}

func New(addr, password string, db int) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Enqueue schedules a task identifier for processing. It returns as soon
// as the identifier is on the list; it never waits for a worker.
func (q *Queue) Enqueue(ctx context.Context, taskID string) error {
	if err := q.client.RPush(ctx, queueKey, taskID).Err(); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next task identifier. It returns
// "" when the queue stayed empty.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	result, err := q.client.BLPop(ctx, timeout, queueKey).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", fmt.Errorf("dequeue task: %w", err)
	}
	return result[1], nil
}

// Len reports the number of queued identifiers.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}
