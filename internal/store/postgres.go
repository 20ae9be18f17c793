package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/podushkina/taskpilot/internal/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	name         TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'pending',
	priority     INT  NOT NULL DEFAULT 1,
	task_type    TEXT NOT NULL DEFAULT 'general',
	result       TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS task_logs (
	id        BIGSERIAL PRIMARY KEY,
	task_id   TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
	status    TEXT NOT NULL,
	message   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_task_logs_task_id ON task_logs(task_id);
`

const taskColumns = `id, user_id, name, description, status, priority, task_type,
	result, error, created_at, updated_at, completed_at`

// PostgresStore is the durable Store backend. The claim is a conditional
// UPDATE, so row exclusivity comes from the database itself.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// InitSchema creates the tables if they do not exist yet.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, t *task.Task) error {
	query := `INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.UserID, t.Name, t.Description, t.Status, t.Priority, t.Type,
		t.Result, t.Error, t.CreatedAt, t.UpdatedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	t, err := scanTask(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) Claim(ctx context.Context, id string) (*task.Task, error) {
	query := `UPDATE tasks
		SET status = 'processing', updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'failed')
		RETURNING ` + taskColumns

	t, err := scanTask(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Missing row or lost race: not an error, just nothing to do.
			return nil, nil
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) Complete(ctx context.Context, id, result string) error {
	query := `UPDATE tasks
		SET status = 'completed', result = $2, error = '',
			completed_at = now(), updated_at = now()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, result)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Fail(ctx context.Context, id, errMsg string) error {
	query := `UPDATE tasks
		SET status = 'failed', error = $2, result = '', updated_at = now()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, errMsg)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkPending(ctx context.Context, id string) error {
	query := `UPDATE tasks
		SET status = 'pending', result = '', error = '',
			completed_at = NULL, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'failed')`

	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark pending: %w", err)
	}
	if tag.RowsAffected() == 0 {
		t, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if t == nil {
			return ErrNotFound
		}
		return fmt.Errorf("%w: task is already %s", ErrNotRunnable, t.Status)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	// task_logs rows cascade via the foreign key.
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendLog(ctx context.Context, id, status, message string) error {
	query := `INSERT INTO task_logs (task_id, status, message) VALUES ($1, $2, $3)`

	if _, err := s.pool.Exec(ctx, query, id, status, message); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func (s *PostgresStore) Logs(ctx context.Context, id string) ([]task.LogEntry, error) {
	query := `SELECT task_id, timestamp, status, message
		FROM task_logs WHERE task_id = $1 ORDER BY id`

	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	entries := make([]task.LogEntry, 0)
	for rows.Next() {
		var e task.LogEntry
		if err := rows.Scan(&e.TaskID, &e.Timestamp, &e.Status, &e.Message); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE user_id = $1 ORDER BY created_at`
	return s.query(ctx, query, userID)
}

func (s *PostgresStore) QueryPending(ctx context.Context) ([]*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = 'pending'`
	return s.query(ctx, query)
}

func (s *PostgresStore) QueryCompletedBefore(ctx context.Context, cutoff time.Time) ([]*task.Task, error) {
	query := `SELECT ` + taskColumns + `
		FROM tasks WHERE status = 'completed' AND completed_at < $1`
	return s.query(ctx, query, cutoff)
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]*task.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (*task.Task, error) {
	var t task.Task
	err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.Description, &t.Status,
		&t.Priority, &t.Type, &t.Result, &t.Error,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
