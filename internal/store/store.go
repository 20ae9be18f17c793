package store

import (
	"context"
	"errors"
	"time"

	"github.com/podushkina/taskpilot/internal/task"
)

// ErrNotFound is returned by mutating operations when the task row is
// gone. Read paths report a missing task as (nil, nil) instead, because
// a stale identifier is not an error for the pipeline.
var ErrNotFound = errors.New("task not found")

// Store is the authoritative home of task state. Status only moves
// through Claim/Complete/Fail/MarkPending, so every transition is a
// synchronized update against the backing store.
type Store interface {
	Create(ctx context.Context, t *task.Task) error
	Get(ctx context.Context, id string) (*task.Task, error)
	ListByUser(ctx context.Context, userID string) ([]*task.Task, error)

	// Claim atomically moves a pending or failed task to processing and
	// returns the claimed row. It returns (nil, nil) when the task does
	// not exist or another worker already advanced it.
	Claim(ctx context.Context, id string) (*task.Task, error)

	// Complete marks the task completed, records the result and stamps
	// completed_at.
	Complete(ctx context.Context, id, result string) error

	// Fail marks the task failed with the error message. completed_at is
	// left untouched: it is only meaningful while status is completed.
	Fail(ctx context.Context, id, errMsg string) error

	// MarkPending resets a pending or failed task for re-processing.
	// Stale result, error and completed_at values are cleared.
	MarkPending(ctx context.Context, id string) error

	// Delete removes the task and all of its log entries.
	Delete(ctx context.Context, id string) error

	AppendLog(ctx context.Context, id, status, message string) error
	Logs(ctx context.Context, id string) ([]task.LogEntry, error)

	QueryPending(ctx context.Context) ([]*task.Task, error)
	QueryCompletedBefore(ctx context.Context, cutoff time.Time) ([]*task.Task, error)
}
