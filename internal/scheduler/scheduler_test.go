package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podushkina/taskpilot/internal/queue"
	"github.com/podushkina/taskpilot/internal/store"
	"github.com/podushkina/taskpilot/internal/task"
)

func setupTest(t *testing.T) (*store.RedisStore, *queue.Queue) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	s, err := store.NewRedis(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	q, err := queue.New(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	return s, q
}

func createTask(t *testing.T, s *store.RedisStore, name string) *task.Task {
	now := time.Now().UTC()
	tsk := &task.Task{
		ID:        uuid.New().String(),
		UserID:    "u1",
		Name:      name,
		Status:    task.StatusPending,
		Priority:  task.PriorityLow,
		Type:      "general",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.Create(context.Background(), tsk))
	return tsk
}

func TestSweepPending(t *testing.T) {
	s, q := setupTest(t)
	ctx := context.Background()

	a := createTask(t, s, "a")
	b := createTask(t, s, "b")

	// A completed task must be ignored by the sweep.
	c := createTask(t, s, "c")
	_, err := s.Claim(ctx, c.ID)
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, c.ID, "done"))

	sched := New(s, q, time.Hour, time.Hour, DefaultRetention)
	count, err := sched.SweepPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	for _, tsk := range []*task.Task{a, b} {
		logs, err := s.Logs(ctx, tsk.ID)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, task.EventScheduled, logs[0].Status)
		assert.Contains(t, logs[0].Message, tsk.Name)
	}

	logs, err := s.Logs(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestSweepPending_Empty(t *testing.T) {
	s, q := setupTest(t)

	sched := New(s, q, time.Hour, time.Hour, DefaultRetention)
	count, err := sched.SweepPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSweepRetired(t *testing.T) {
	s, q := setupTest(t)
	ctx := context.Background()

	old := createTask(t, s, "old")
	recent := createTask(t, s, "recent")
	for _, tsk := range []*task.Task{old, recent} {
		_, err := s.Claim(ctx, tsk.ID)
		require.NoError(t, err)
		require.NoError(t, s.Complete(ctx, tsk.ID, "done"))
	}

	// Age the first task past the retention window.
	past := time.Now().UTC().Add(-31 * 24 * time.Hour)
	aged, err := s.Get(ctx, old.ID)
	require.NoError(t, err)
	aged.CompletedAt = &past
	require.NoError(t, s.Create(ctx, aged))

	sched := New(s, q, time.Hour, time.Hour, DefaultRetention)
	count, err := sched.SweepRetired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// The sweep only logs intent: status and row survive.
	got, err := s.Get(ctx, old.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.StatusCompleted, got.Status)

	logs, err := s.Logs(ctx, old.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, task.EventArchived, logs[0].Status)

	logs, err = s.Logs(ctx, recent.ID)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestSweepRetired_Idempotent(t *testing.T) {
	s, q := setupTest(t)
	ctx := context.Background()

	sched := New(s, q, time.Hour, time.Hour, DefaultRetention)
	count, err := sched.SweepRetired(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	count, err = sched.SweepRetired(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
