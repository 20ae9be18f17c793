// Package handlers holds the placeholder branch processors. Real email
// delivery, file transformation or API integration live outside this
// system; each handler only simulates bounded work and settles into a
// deterministic result.
package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/podushkina/taskpilot/internal/task"
	"github.com/podushkina/taskpilot/internal/worker"
)

// Email simulates an email-type task.
func Email(delay time.Duration) worker.Handler {
	return func(ctx context.Context, t *task.Task) (worker.Outcome, error) {
		work(delay)
		return worker.Outcome{
			Result: fmt.Sprintf("Email task would be processed: %s", t.Name),
			Info:   "Email processing simulation completed",
		}, nil
	}
}

// File simulates a file-type task.
func File(delay time.Duration) worker.Handler {
	return func(ctx context.Context, t *task.Task) (worker.Outcome, error) {
		work(delay)
		return worker.Outcome{
			Result: fmt.Sprintf("File task would be processed: %s", t.Name),
			Info:   "File processing simulation completed",
		}, nil
	}
}

// Generic simulates every other task.
func Generic(delay time.Duration) worker.Handler {
	return func(ctx context.Context, t *task.Task) (worker.Outcome, error) {
		work(delay)
		return worker.Outcome{
			Result: fmt.Sprintf("Generic task processed: %s", t.Name),
			Info:   "Generic processing simulation completed",
		}, nil
	}
}

// work blocks for the configured delay. A claimed task runs to
// completion, so the sleep deliberately ignores cancellation.
func work(delay time.Duration) {
	time.Sleep(delay)
}
