package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/podushkina/taskpilot/internal/task"
)

const (
	taskPrefix = "taskpilot:task:"
	logsPrefix = "taskpilot:logs:"
)

// maxTxRetries bounds optimistic-transaction retries when a watched key
// changes under us.
const maxTxRetries = 3

// errNotClaimable signals that the watched task is not in a claimable
// status. Never escapes this package.
var errNotClaimable = errors.New("not claimable")

// ErrNotRunnable is returned by MarkPending when the task is neither
// pending nor failed. Completed tasks are never auto-retried.
var ErrNotRunnable = errors.New("task is not runnable")

// RedisStore keeps each task as a JSON blob and its history as an
// append-only list. Status transitions go through a WATCH transaction so
// two workers cannot both claim the same row.
type RedisStore struct {
	client *redis.Client
}

func NewRedis(addr, password string, db int) (*RedisStore, error) {
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

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func taskKey(id string) string { return taskPrefix + id }
func logsKey(id string) string { return logsPrefix + id }

func (s *RedisStore) Create(ctx context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	if err := s.client.Set(ctx, taskKey(t.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*task.Task, error) {
	data, err := s.client.Get(ctx, taskKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("get task: %w", err)
	}

	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, nil
}

// update applies mutate to the task under a WATCH transaction and
// persists the result. The watched key changing mid-flight is retried a
// bounded number of times.
func (s *RedisStore) update(ctx context.Context, id string, mutate func(*task.Task) error) (*task.Task, error) {
	key := taskKey(id)

	for i := 0; i < maxTxRetries; i++ {
		var updated *task.Task

		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("get task: %w", err)
			}

			var t task.Task
			if err := json.Unmarshal(data, &t); err != nil {
				return fmt.Errorf("unmarshal task: %w", err)
			}

			if err := mutate(&t); err != nil {
				return err
			}
			t.UpdatedAt = time.Now().UTC()

			out, err := json.Marshal(&t)
			if err != nil {
				return fmt.Errorf("marshal task: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, out, 0)
				return nil
			})
			if err == nil {
				updated = &t
			}
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}

	return nil, redis.TxFailedErr
}

func (s *RedisStore) Claim(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.update(ctx, id, func(t *task.Task) error {
		if t.Status != task.StatusPending && t.Status != task.StatusFailed {
			return errNotClaimable
		}
		t.Status = task.StatusProcessing
		return nil
	})
	if errors.Is(err, ErrNotFound) || errors.Is(err, errNotClaimable) || errors.Is(err, redis.TxFailedErr) {
		// Missing row or lost race: not an error, just nothing to do.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return t, nil
}

func (s *RedisStore) Complete(ctx context.Context, id, result string) error {
	now := time.Now().UTC()
	_, err := s.update(ctx, id, func(t *task.Task) error {
		t.Status = task.StatusCompleted
		t.Result = result
		t.Error = ""
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

func (s *RedisStore) Fail(ctx context.Context, id, errMsg string) error {
	_, err := s.update(ctx, id, func(t *task.Task) error {
		t.Status = task.StatusFailed
		t.Error = errMsg
		t.Result = ""
		return nil
	})
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return nil
}

func (s *RedisStore) MarkPending(ctx context.Context, id string) error {
	_, err := s.update(ctx, id, func(t *task.Task) error {
		if t.Status != task.StatusPending && t.Status != task.StatusFailed {
			return fmt.Errorf("%w: task is already %s", ErrNotRunnable, t.Status)
		}
		t.Status = task.StatusPending
		t.Result = ""
		t.Error = ""
		t.CompletedAt = nil
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotRunnable) && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("mark pending: %w", err)
	}
	return err
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	deleted, err := s.client.Del(ctx, taskKey(id)).Result()
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	// Logs cascade with the parent task.
	if err := s.client.Del(ctx, logsKey(id)).Err(); err != nil {
		return fmt.Errorf("delete task logs: %w", err)
	}
	if deleted == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) AppendLog(ctx context.Context, id, status, message string) error {
	entry := task.LogEntry{
		TaskID:    id,
		Timestamp: time.Now().UTC(),
		Status:    status,
		Message:   message,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}

	if err := s.client.RPush(ctx, logsKey(id), data).Err(); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func (s *RedisStore) Logs(ctx context.Context, id string) ([]task.LogEntry, error) {
	raw, err := s.client.LRange(ctx, logsKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}

	entries := make([]task.LogEntry, 0, len(raw))
	for _, data := range raw {
		var e task.LogEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *RedisStore) ListByUser(ctx context.Context, userID string) ([]*task.Task, error) {
	return s.scan(ctx, func(t *task.Task) bool {
		return t.UserID == userID
	})
}

func (s *RedisStore) QueryPending(ctx context.Context) ([]*task.Task, error) {
	return s.scan(ctx, func(t *task.Task) bool {
		return t.Status == task.StatusPending
	})
}

func (s *RedisStore) QueryCompletedBefore(ctx context.Context, cutoff time.Time) ([]*task.Task, error) {
	return s.scan(ctx, func(t *task.Task) bool {
		return t.Status == task.StatusCompleted &&
			t.CompletedAt != nil && t.CompletedAt.Before(cutoff)
	})
}

func (s *RedisStore) scan(ctx context.Context, keep func(*task.Task) bool) ([]*task.Task, error) {
	keys, err := s.client.Keys(ctx, taskPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	if len(keys) == 0 {
		return []*task.Task{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, key)
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("fetch tasks: %w", err)
	}

	tasks := make([]*task.Task, 0, len(keys))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}

		var t task.Task
		if err := json.Unmarshal(data, &t); err != nil {
			continue
		}
		if keep(&t) {
			tasks = append(tasks, &t)
		}
	}
	return tasks, nil
}
