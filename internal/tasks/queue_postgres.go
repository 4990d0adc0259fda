package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresQueue keeps the FIFO in a table ordered by a sequence and pops
// with SKIP LOCKED so a second consumer would never see the same record.
type PostgresQueue struct {
	pool         *pgxpool.Pool
	pollInterval time.Duration
}

func NewPostgresQueue(ctx context.Context, databaseURL string, pollInterval time.Duration) (*PostgresQueue, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initQueueSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresQueue{pool: pool, pollInterval: pollInterval}, nil
}

func initQueueSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_queue (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			payload JSONB NOT NULL,
			enqueued_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS task_processing (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			payload JSONB NOT NULL,
			started_at TIMESTAMPTZ NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init queue schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (q *PostgresQueue) Push(ctx context.Context, task Task) (int, error) {
	raw, err := encodeTask(task)
	if err != nil {
		return 0, err
	}
	var position int
	err = q.pool.QueryRow(ctx,
		`WITH ins AS (
			INSERT INTO task_queue (id, session_id, payload, enqueued_at)
			VALUES ($1, $2, $3, $4)
			RETURNING seq
		)
		SELECT count(*) + 1 FROM task_queue WHERE seq < (SELECT seq FROM ins)`,
		task.ID, task.SessionID, raw, task.CreatedAt,
	).Scan(&position)
	if err != nil {
		return 0, unavailable("push", err)
	}
	return position, nil
}

func (q *PostgresQueue) Pop(ctx context.Context, wait time.Duration) (Task, error) {
	return pollPop(ctx, wait, q.pollInterval, q.take)
}

func (q *PostgresQueue) take(ctx context.Context) (Task, bool, error) {
	var raw []byte
	err := q.pool.QueryRow(ctx,
		`DELETE FROM task_queue WHERE seq = (
			SELECT seq FROM task_queue ORDER BY seq ASC LIMIT 1 FOR UPDATE SKIP LOCKED
		) RETURNING payload`,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, false, nil
		}
		if ctx.Err() != nil {
			return Task{}, false, ctx.Err()
		}
		return Task{}, false, unavailable("pop", err)
	}
	task, err := decodeTask(raw)
	if err != nil {
		return Task{}, false, err
	}
	return task, true, nil
}

func (q *PostgresQueue) Remove(ctx context.Context, taskID string) (bool, error) {
	tag, err := q.pool.Exec(ctx, `DELETE FROM task_queue WHERE id=$1`, strings.TrimSpace(taskID))
	if err != nil {
		return false, unavailable("remove", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (q *PostgresQueue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.pool.QueryRow(ctx, `SELECT count(*) FROM task_queue`).Scan(&n); err != nil {
		return 0, unavailable("len", err)
	}
	return n, nil
}

func (q *PostgresQueue) SetProcessing(ctx context.Context, task Task) error {
	raw, err := encodeTask(task)
	if err != nil {
		return err
	}
	startedAt := task.UpdatedAt
	if task.StartedAt != nil {
		startedAt = *task.StartedAt
	}
	_, err = q.pool.Exec(ctx,
		`INSERT INTO task_processing (id, session_id, payload, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			session_id=EXCLUDED.session_id,
			payload=EXCLUDED.payload,
			started_at=EXCLUDED.started_at`,
		task.ID, task.SessionID, raw, startedAt,
	)
	if err != nil {
		return unavailable("set processing", err)
	}
	return nil
}

func (q *PostgresQueue) ClearProcessing(ctx context.Context, taskID string) error {
	if _, err := q.pool.Exec(ctx, `DELETE FROM task_processing WHERE id=$1`, taskID); err != nil {
		return unavailable("clear processing", err)
	}
	return nil
}

func (q *PostgresQueue) Processing(ctx context.Context) ([]Task, error) {
	rows, err := q.pool.Query(ctx, `SELECT payload FROM task_processing ORDER BY started_at ASC`)
	if err != nil {
		return nil, unavailable("list processing", err)
	}
	defer rows.Close()

	out := make([]Task, 0, 1)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan processing row: %w", err)
		}
		task, err := decodeTask(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate processing rows", err)
	}
	return out, nil
}

func (q *PostgresQueue) Close() error {
	q.pool.Close()
	return nil
}
