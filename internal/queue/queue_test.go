package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestQueue(t *testing.T) *Queue {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	q, err := New(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	return q
}

func TestQueue_EnqueueAndDequeue(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "task-1"))
	require.NoError(t, q.Enqueue(ctx, "task-2"))

	id, err := q.Dequeue(ctx, 1*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "task-1", id)

	id, err = q.Dequeue(ctx, 1*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "task-2", id)
}

func TestQueue_DequeueEmpty(t *testing.T) {
	q := setupTestQueue(t)

	id, err := q.Dequeue(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestQueue_DuplicateEnqueue(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "task-1"))
	require.NoError(t, q.Enqueue(ctx, "task-1"))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}
