package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podushkina/taskpilot/internal/handlers"
	"github.com/podushkina/taskpilot/internal/queue"
	"github.com/podushkina/taskpilot/internal/store"
	"github.com/podushkina/taskpilot/internal/task"
	"github.com/podushkina/taskpilot/internal/worker"
)

type fanOutCall struct {
	userID    string
	eventType string
	payload   map[string]any
}

type fakeWebhooks struct {
	mu    sync.Mutex
	calls []fanOutCall
}

func (f *fakeWebhooks) Trigger(ctx context.Context, userID, eventType string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fanOutCall{userID: userID, eventType: eventType, payload: payload})
}

func (f *fakeWebhooks) triggered() []fanOutCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fanOutCall(nil), f.calls...)
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []fanOutCall
}

func (f *fakeNotifier) Send(ctx context.Context, userID, subject, message, eventType string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fanOutCall{userID: userID, eventType: eventType})
	return true
}

func (f *fakeNotifier) sent() []fanOutCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fanOutCall(nil), f.calls...)
}

type testEnv struct {
	store    *store.RedisStore
	queue    *queue.Queue
	pool     *worker.Pool
	webhooks *fakeWebhooks
	notifier *fakeNotifier
}

func setupPool(t *testing.T) *testEnv {
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

	wh := &fakeWebhooks{}
	nf := &fakeNotifier{}
	pool := worker.NewPool(q, s, nf, wh, 2)
	pool.Register(task.BranchEmail, handlers.Email(time.Millisecond))
	pool.Register(task.BranchFile, handlers.File(time.Millisecond))
	pool.Register(task.BranchGeneric, handlers.Generic(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})

	return &testEnv{store: s, queue: q, pool: pool, webhooks: wh, notifier: nf}
}

func createAndEnqueue(t *testing.T, env *testEnv, name, taskType string, priority int) *task.Task {
	ctx := context.Background()
	now := time.Now().UTC()
	tsk := &task.Task{
		ID:        uuid.New().String(),
		UserID:    "u1",
		Name:      name,
		Status:    task.StatusPending,
		Priority:  priority,
		Type:      taskType,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, env.store.Create(ctx, tsk))
	require.NoError(t, env.store.AppendLog(ctx, tsk.ID, task.EventCreated, "Task created: "+name))
	require.NoError(t, env.queue.Enqueue(ctx, tsk.ID))
	return tsk
}

func waitForTerminal(t *testing.T, s *store.RedisStore, id string) *task.Task {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, err := s.Get(context.Background(), id)
		require.NoError(t, err)
		if got != nil && got.Terminal() {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal status", id)
	return nil
}

func TestPool_EmailTaskCompletes(t *testing.T) {
	env := setupPool(t)

	tsk := createAndEnqueue(t, env, "Send Invoice Email", "email", task.PriorityMedium)
	got := waitForTerminal(t, env.store, tsk.ID)

	assert.Equal(t, task.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Contains(t, got.Result, "Email task would be processed")

	logs, err := env.store.Logs(context.Background(), tsk.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(logs), 3)

	var mentionsEmail bool
	for _, e := range logs {
		if e.Status == task.EventInfo {
			assert.Contains(t, e.Message, "Email processing")
			mentionsEmail = true
		}
	}
	assert.True(t, mentionsEmail, "expected an email processing info entry")

	// created -> processing -> info -> completed, in insertion order.
	assert.Equal(t, task.EventCreated, logs[0].Status)
	assert.Equal(t, string(task.StatusProcessing), logs[1].Status)
	assert.Equal(t, string(task.StatusCompleted), logs[len(logs)-1].Status)
}

func TestPool_FailureMarksFailedAndKeepsLoopAlive(t *testing.T) {
	env := setupPool(t)
	env.pool.Register(task.BranchGeneric, func(ctx context.Context, tsk *task.Task) (worker.Outcome, error) {
		return worker.Outcome{}, errors.New("simulated breakage")
	})

	failed := createAndEnqueue(t, env, "broken job", "general", task.PriorityLow)
	got := waitForTerminal(t, env.store, failed.ID)

	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, "simulated breakage", got.Error)
	assert.Nil(t, got.CompletedAt)

	logs, err := env.store.Logs(context.Background(), failed.ID)
	require.NoError(t, err)
	last := logs[len(logs)-1]
	assert.Equal(t, string(task.StatusFailed), last.Status)
	assert.Contains(t, last.Message, "simulated breakage")

	// The pool keeps accepting work after a failure.
	ok := createAndEnqueue(t, env, "Send Reminder Email", "email", task.PriorityLow)
	assert.Equal(t, task.StatusCompleted, waitForTerminal(t, env.store, ok.ID).Status)
}

func TestPool_PanicBecomesFailure(t *testing.T) {
	env := setupPool(t)
	env.pool.Register(task.BranchGeneric, func(ctx context.Context, tsk *task.Task) (worker.Outcome, error) {
		panic("handler blew up")
	})

	tsk := createAndEnqueue(t, env, "explosive", "general", task.PriorityLow)
	got := waitForTerminal(t, env.store, tsk.ID)

	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "handler blew up")
}

func TestPool_MissingTaskIsAbsorbed(t *testing.T) {
	env := setupPool(t)
	ctx := context.Background()

	// Stale identifier: the row is gone by the time a worker dequeues it.
	require.NoError(t, env.queue.Enqueue(ctx, "deleted-task-id"))

	// The next real task still gets processed.
	tsk := createAndEnqueue(t, env, "survivor", "general", task.PriorityLow)
	assert.Equal(t, task.StatusCompleted, waitForTerminal(t, env.store, tsk.ID).Status)
}

func TestPool_RerunFailedTask(t *testing.T) {
	env := setupPool(t)
	ctx := context.Background()

	env.pool.Register(task.BranchGeneric, func(c context.Context, tsk *task.Task) (worker.Outcome, error) {
		return worker.Outcome{}, errors.New("first attempt fails")
	})

	tsk := createAndEnqueue(t, env, "flaky job", "general", task.PriorityLow)
	require.Equal(t, task.StatusFailed, waitForTerminal(t, env.store, tsk.ID).Status)

	logsBefore, err := env.store.Logs(ctx, tsk.ID)
	require.NoError(t, err)

	// Manual re-run: fix the handler, reset to pending, enqueue again.
	env.pool.Register(task.BranchGeneric, handlers.Generic(time.Millisecond))
	require.NoError(t, env.store.MarkPending(ctx, tsk.ID))
	require.NoError(t, env.store.AppendLog(ctx, tsk.ID, task.EventManualRun, "Task manually re-run"))
	require.NoError(t, env.queue.Enqueue(ctx, tsk.ID))

	got := waitForTerminal(t, env.store, tsk.ID)
	assert.Equal(t, task.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	// Prior history survives the re-run.
	logsAfter, err := env.store.Logs(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Greater(t, len(logsAfter), len(logsBefore))
	assert.Equal(t, logsBefore[0], logsAfter[0])
}

func TestPool_FanOutOnTerminalTransitions(t *testing.T) {
	env := setupPool(t)
	env.pool.Register(task.BranchFile, func(ctx context.Context, tsk *task.Task) (worker.Outcome, error) {
		return worker.Outcome{}, errors.New("disk full")
	})

	ok := createAndEnqueue(t, env, "Send Digest Email", "email", task.PriorityLow)
	bad := createAndEnqueue(t, env, "rotate files", "file", task.PriorityLow)
	waitForTerminal(t, env.store, ok.ID)
	waitForTerminal(t, env.store, bad.ID)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(env.webhooks.triggered()) < 2 {
		time.Sleep(10 * time.Millisecond)
	}

	events := map[string]string{}
	for _, c := range env.webhooks.triggered() {
		events[c.payload["task_id"].(string)] = c.eventType
	}
	assert.Equal(t, task.EventTaskCompleted, events[ok.ID])
	assert.Equal(t, task.EventTaskFailed, events[bad.ID])

	notified := map[string]bool{}
	for _, c := range env.notifier.sent() {
		notified[c.eventType] = true
	}
	assert.True(t, notified[task.NotifyTaskCompleted])
	assert.True(t, notified[task.NotifyTaskFailed])
}

func TestPool_DuplicateEnqueueSingleTerminalFlip(t *testing.T) {
	env := setupPool(t)
	ctx := context.Background()

	tsk := createAndEnqueue(t, env, "dup job", "general", task.PriorityLow)
	require.NoError(t, env.queue.Enqueue(ctx, tsk.ID))
	require.NoError(t, env.queue.Enqueue(ctx, tsk.ID))

	got := waitForTerminal(t, env.store, tsk.ID)
	assert.Equal(t, task.StatusCompleted, got.Status)

	// Give the duplicate dequeues time to drain, then check that only
	// one completed entry was written.
	time.Sleep(200 * time.Millisecond)
	logs, err := env.store.Logs(ctx, tsk.ID)
	require.NoError(t, err)

	completedEntries := 0
	for _, e := range logs {
		if e.Status == string(task.StatusCompleted) {
			completedEntries++
		}
	}
	assert.Equal(t, 1, completedEntries)
}
