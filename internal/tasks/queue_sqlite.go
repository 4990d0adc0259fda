package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteQueue is a single-node durable Queue backed by a WAL-mode SQLite
// file. One connection serializes every statement.
type SQLiteQueue struct {
	db           *sql.DB
	path         string
	pollInterval time.Duration
}

func NewSQLiteQueue(dbPath string, pollInterval time.Duration) (*SQLiteQueue, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	q := &SQLiteQueue{db: db, path: dbPath, pollInterval: pollInterval}
	if err := q.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return q, nil
}

func (q *SQLiteQueue) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_queue (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT NOT NULL UNIQUE,
		session_id  TEXT NOT NULL,
		payload     TEXT NOT NULL,
		enqueued_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_processing (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		payload    TEXT NOT NULL,
		started_at TEXT NOT NULL
	);`
	_, err := q.db.Exec(schema)
	return err
}

func (q *SQLiteQueue) Push(ctx context.Context, task Task) (int, error) {
	raw, err := encodeTask(task)
	if err != nil {
		return 0, err
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable("push", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO task_queue (id, session_id, payload, enqueued_at) VALUES (?, ?, ?, ?)`,
		task.ID, task.SessionID, string(raw), task.CreatedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return 0, unavailable("push", err)
	}
	var position int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM task_queue`).Scan(&position); err != nil {
		return 0, unavailable("push", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable("push", err)
	}
	return position, nil
}

func (q *SQLiteQueue) Pop(ctx context.Context, wait time.Duration) (Task, error) {
	return pollPop(ctx, wait, q.pollInterval, q.take)
}

func (q *SQLiteQueue) take(ctx context.Context) (Task, bool, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		if ctx.Err() != nil {
			return Task{}, false, ctx.Err()
		}
		return Task{}, false, unavailable("pop", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq int64
		raw string
	)
	err = tx.QueryRowContext(ctx, `SELECT seq, payload FROM task_queue ORDER BY seq ASC LIMIT 1`).Scan(&seq, &raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, false, nil
		}
		return Task{}, false, unavailable("pop", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_queue WHERE seq = ?`, seq); err != nil {
		return Task{}, false, unavailable("pop", err)
	}
	if err := tx.Commit(); err != nil {
		return Task{}, false, unavailable("pop", err)
	}
	task, err := decodeTask([]byte(raw))
	if err != nil {
		return Task{}, false, err
	}
	return task, true, nil
}

func (q *SQLiteQueue) Remove(ctx context.Context, taskID string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM task_queue WHERE id = ?`, strings.TrimSpace(taskID))
	if err != nil {
		return false, unavailable("remove", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("remove", err)
	}
	return n > 0, nil
}

func (q *SQLiteQueue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT count(*) FROM task_queue`).Scan(&n); err != nil {
		return 0, unavailable("len", err)
	}
	return n, nil
}

func (q *SQLiteQueue) SetProcessing(ctx context.Context, task Task) error {
	raw, err := encodeTask(task)
	if err != nil {
		return err
	}
	startedAt := task.UpdatedAt
	if task.StartedAt != nil {
		startedAt = *task.StartedAt
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO task_processing (id, session_id, payload, started_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id=excluded.session_id,
			payload=excluded.payload,
			started_at=excluded.started_at`,
		task.ID, task.SessionID, string(raw), startedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return unavailable("set processing", err)
	}
	return nil
}

func (q *SQLiteQueue) ClearProcessing(ctx context.Context, taskID string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM task_processing WHERE id = ?`, taskID); err != nil {
		return unavailable("clear processing", err)
	}
	return nil
}

func (q *SQLiteQueue) Processing(ctx context.Context) ([]Task, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT payload FROM task_processing ORDER BY started_at ASC`)
	if err != nil {
		return nil, unavailable("list processing", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan processing row: %w", err)
		}
		task, err := decodeTask([]byte(raw))
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

func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
