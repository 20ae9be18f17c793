package task

import (
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Log-only labels for lifecycle events that are not task statuses.
const (
	EventCreated   = "created"
	EventScheduled = "scheduled"
	EventManualRun = "manual_run"
	EventInfo      = "info"
	EventArchived  = "archived"
)

// Webhook event types.
const (
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
)

// Notification event flags (keys in a user's notification settings).
const (
	NotifyTaskCompleted = "task_completed"
	NotifyTaskFailed    = "task_failed"
	NotifyDailySummary  = "daily_summary"
)

const (
	PriorityLow    = 1
	PriorityMedium = 2
	PriorityHigh   = 3
)

type Task struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	Priority    int        `json:"priority"`
	Type        string     `json:"task_type"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether no further automatic transition applies.
func (t *Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// LogEntry is one append-only event in a task's history. Entries are
// ordered by insertion; they are never mutated and only removed when the
// parent task is deleted.
type LogEntry struct {
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
}
