package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/podushkina/taskpilot/internal/logger"
	"github.com/podushkina/taskpilot/internal/queue"
	"github.com/podushkina/taskpilot/internal/store"
	"github.com/podushkina/taskpilot/internal/task"
)

// Outcome is what a branch handler produces on success. Result is stored
// on the task and echoed in the completion log; Info becomes an
// informational log entry appended while the task is still processing.
type Outcome struct {
	Result string
	Info   string
}

// Handler runs the type-specific work for one claimed task.
type Handler func(ctx context.Context, t *task.Task) (Outcome, error)

// Notifier gates and emits user notifications for terminal transitions.
type Notifier interface {
	Send(ctx context.Context, userID, subject, message, eventType string) bool
}

// WebhookTrigger fans a lifecycle event out to the user's subscriptions.
// Implementations must not block on delivery.
type WebhookTrigger interface {
	Trigger(ctx context.Context, userID, eventType string, payload map[string]any)
}

const dequeueTimeout = 2 * time.Second

// Pool drains the dispatch queue with a fixed number of workers. Each
// dequeue runs the task state machine exactly once: claim, process,
// terminal write, log, fan-out. A single task's failure never stops the
// loop.
type Pool struct {
	queue    *queue.Queue
	store    store.Store
	notifier Notifier
	webhooks WebhookTrigger
	handlers map[task.Branch]Handler
	count    int
	wg       sync.WaitGroup
	mu       sync.RWMutex
}

func NewPool(q *queue.Queue, s store.Store, n Notifier, w WebhookTrigger, count int) *Pool {
	return &Pool{
		queue:    q,
		store:    s,
		notifier: n,
		webhooks: w,
		handlers: make(map[task.Branch]Handler),
		count:    count,
	}
}

func (p *Pool) Register(branch task.Branch, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[branch] = handler
}

func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.count; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	logger.Info("started workers", zap.Int("count", p.count))
}

func (p *Pool) Stop() {
	p.wg.Wait()
	logger.Info("all workers stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutting down", zap.Int("worker", id))
			return
		default:
			taskID, err := p.queue.Dequeue(ctx, dequeueTimeout)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("dequeue error", zap.Int("worker", id), zap.Error(err))
				continue
			}

			if taskID == "" {
				continue
			}

			p.process(ctx, id, taskID)
		}
	}
}

// process executes the state machine for one dequeued identifier.
// Persisting a status always precedes writing the log entry that refers
// to it, so log readers never see an event the task row does not reflect.
func (p *Pool) process(ctx context.Context, workerID int, taskID string) {
	claimed, err := p.store.Claim(ctx, taskID)
	if err != nil {
		logger.Warn("claim error", zap.Int("worker", workerID),
			zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if claimed == nil {
		// Deleted after enqueue, or another worker won the claim.
		logger.Debug("nothing to claim", zap.Int("worker", workerID),
			zap.String("task_id", taskID))
		return
	}

	logger.Info("processing task", zap.Int("worker", workerID),
		zap.String("task_id", taskID), zap.String("name", claimed.Name))

	p.logEvent(ctx, taskID, string(task.StatusProcessing),
		"Started processing task: "+claimed.Name)

	outcome, err := p.run(ctx, claimed)
	if err != nil {
		if ferr := p.store.Fail(ctx, taskID, err.Error()); ferr != nil {
			logger.Error("failed to persist failure",
				zap.String("task_id", taskID), zap.Error(ferr))
			return
		}
		p.logEvent(ctx, taskID, string(task.StatusFailed),
			"Error processing task: "+err.Error())
		logger.Warn("task failed", zap.Int("worker", workerID),
			zap.String("task_id", taskID), zap.Error(err))
		p.fanOut(ctx, claimed, false, err.Error())
		return
	}

	if outcome.Info != "" {
		p.logEvent(ctx, taskID, task.EventInfo, outcome.Info)
	}

	if cerr := p.store.Complete(ctx, taskID, outcome.Result); cerr != nil {
		logger.Error("failed to persist completion",
			zap.String("task_id", taskID), zap.Error(cerr))
		return
	}
	p.logEvent(ctx, taskID, string(task.StatusCompleted),
		"Task completed successfully: "+outcome.Result)
	logger.Info("task completed", zap.Int("worker", workerID),
		zap.String("task_id", taskID))
	p.fanOut(ctx, claimed, true, outcome.Result)
}

// run classifies the task once and invokes the branch handler. A panic
// in a handler is recovered into an ordinary processing failure.
func (p *Pool) run(ctx context.Context, t *task.Task) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during processing: %v", r)
		}
	}()

	branch := task.Classify(t.Type, t.Name)

	p.mu.RLock()
	handler, ok := p.handlers[branch]
	if !ok {
		handler = p.handlers[task.BranchGeneric]
	}
	p.mu.RUnlock()

	if handler == nil {
		return Outcome{}, fmt.Errorf("no handler registered for branch %s", branch)
	}
	return handler(ctx, t)
}

// logEvent appends a task log entry. Append failures never abort a state
// transition that already succeeded.
func (p *Pool) logEvent(ctx context.Context, taskID, status, message string) {
	if err := p.store.AppendLog(ctx, taskID, status, message); err != nil {
		logger.Warn("log append failed", zap.String("task_id", taskID),
			zap.String("status", status), zap.Error(err))
	}
}

// fanOut runs the notification and webhook side effects of a terminal
// transition. Always called after the terminal status is durable.
func (p *Pool) fanOut(ctx context.Context, t *task.Task, success bool, detail string) {
	var subject, message, notifyEvent, hookEvent string
	if success {
		subject = "Task completed: " + t.Name
		message = detail
		notifyEvent = task.NotifyTaskCompleted
		hookEvent = task.EventTaskCompleted
	} else {
		subject = "Task failed: " + t.Name
		message = "Error processing task: " + detail
		notifyEvent = task.NotifyTaskFailed
		hookEvent = task.EventTaskFailed
	}

	if p.notifier != nil {
		p.notifier.Send(ctx, t.UserID, subject, message, notifyEvent)
	}

	if p.webhooks != nil {
		payload := map[string]any{
			"task_id":   t.ID,
			"task_name": t.Name,
		}
		if success {
			payload["result"] = detail
		} else {
			payload["error"] = detail
		}
		p.webhooks.Trigger(ctx, t.UserID, hookEvent, payload)
	}
}
