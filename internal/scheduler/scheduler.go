package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/podushkina/taskpilot/internal/logger"
	"github.com/podushkina/taskpilot/internal/queue"
	"github.com/podushkina/taskpilot/internal/store"
	"github.com/podushkina/taskpilot/internal/task"
)

const (
	DefaultPendingInterval = 10 * time.Minute
	DefaultRetireInterval  = 24 * time.Hour
	DefaultRetention       = 30 * 24 * time.Hour
)

// Scheduler runs the two maintenance sweeps on independent timers: the
// stale-pending sweep re-submits pending tasks whose original enqueue
// may have been lost, and the retirement sweep flags old completed
// tasks. Both are idempotent and safe alongside running workers.
type Scheduler struct {
	store           store.Store
	queue           *queue.Queue
	pendingInterval time.Duration
	retireInterval  time.Duration
	retention       time.Duration
	wg              sync.WaitGroup
}

func New(s store.Store, q *queue.Queue, pendingInterval, retireInterval, retention time.Duration) *Scheduler {
	if pendingInterval <= 0 {
		pendingInterval = DefaultPendingInterval
	}
	if retireInterval <= 0 {
		retireInterval = DefaultRetireInterval
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Scheduler{
		store:           s,
		queue:           q,
		pendingInterval: pendingInterval,
		retireInterval:  retireInterval,
		retention:       retention,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
	logger.Info("scheduler started",
		zap.Duration("pending_interval", s.pendingInterval),
		zap.Duration("retire_interval", s.retireInterval))
}

func (s *Scheduler) Stop() {
	s.wg.Wait()
	logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	pendingTicker := time.NewTicker(s.pendingInterval)
	defer pendingTicker.Stop()
	retireTicker := time.NewTicker(s.retireInterval)
	defer retireTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pendingTicker.C:
			if _, err := s.SweepPending(ctx); err != nil {
				logger.Warn("pending sweep failed", zap.Error(err))
			}
		case <-retireTicker.C:
			if _, err := s.SweepRetired(ctx); err != nil {
				logger.Warn("retirement sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepPending re-submits every pending task to the dispatch queue,
// logging a scheduled event per task. A no-op when nothing is pending;
// tasks already in flight are harmless because the worker claim decides
// who actually processes them.
func (s *Scheduler) SweepPending(ctx context.Context) (int, error) {
	pending, err := s.store.QueryPending(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, t := range pending {
		if err := s.store.AppendLog(ctx, t.ID, task.EventScheduled,
			"Task scheduled for processing: "+t.Name); err != nil {
			logger.Warn("log append failed", zap.String("task_id", t.ID), zap.Error(err))
		}
		if err := s.queue.Enqueue(ctx, t.ID); err != nil {
			logger.Warn("re-enqueue failed", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		count++
	}

	logger.Info("pending sweep finished", zap.Int("rescheduled", count))
	return count, nil
}

// SweepRetired logs an archived event for completed tasks older than the
// retention window. It deletes nothing and changes no status.
func (s *Scheduler) SweepRetired(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.retention)
	old, err := s.store.QueryCompletedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	for _, t := range old {
		if err := s.store.AppendLog(ctx, t.ID, task.EventArchived,
			"Task archived after 30 days: "+t.Name); err != nil {
			logger.Warn("log append failed", zap.String("task_id", t.ID), zap.Error(err))
		}
	}

	logger.Info("retirement sweep finished", zap.Int("archived", len(old)))
	return len(old), nil
}
