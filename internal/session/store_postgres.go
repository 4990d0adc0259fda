package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps each session as a JSONB document with a version
// column for compare-and-swap and an expires_at column for the TTL.
type PostgresStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
	now  func() time.Time

	hooksMu sync.RWMutex
	onEvict []func(id string)
}

func NewPostgresStore(ctx context.Context, databaseURL string, ttl time.Duration) (*PostgresStore, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSessionSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{
		pool: pool,
		ttl:  ttl,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func initSessionSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			doc JSONB NOT NULL,
			version BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			last_accessed TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions (expires_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init session schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, doc Document) (Document, error) {
	now := s.now()
	doc.Version = 1
	doc.LastAccessed = now
	raw, err := json.Marshal(doc)
	if err != nil {
		return Document{}, fmt.Errorf("encode session: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, doc, version, created_at, last_accessed, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		doc.ID, raw, doc.Version, doc.CreatedAt, now, now.Add(s.ttl),
	)
	if err != nil {
		return Document{}, unavailable("create", err)
	}
	if tag.RowsAffected() == 0 {
		return Document{}, ErrConflict
	}
	return doc, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Document, error) {
	now := s.now()
	var (
		raw          []byte
		version      int64
		lastAccessed time.Time
	)
	err := s.pool.QueryRow(ctx,
		`UPDATE sessions SET expires_at=$2, last_accessed=$3
		  WHERE id=$1 AND expires_at > $3
		  RETURNING doc, version, last_accessed`,
		strings.TrimSpace(id), now.Add(s.ttl), now,
	).Scan(&raw, &version, &lastAccessed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, unavailable("get", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	doc.Version = version
	doc.LastAccessed = lastAccessed.UTC()
	return doc, nil
}

func (s *PostgresStore) Save(ctx context.Context, doc Document) (Document, error) {
	now := s.now()
	expected := doc.Version
	doc.Version = expected + 1
	raw, err := json.Marshal(doc)
	if err != nil {
		return Document{}, fmt.Errorf("encode session: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET doc=$2, version=version+1, expires_at=$3, last_accessed=$4
		  WHERE id=$1 AND version=$5 AND expires_at > $4`,
		doc.ID, raw, now.Add(s.ttl), doc.LastAccessed, expected,
	)
	if err != nil {
		return Document{}, unavailable("save", err)
	}
	if tag.RowsAffected() > 0 {
		return doc, nil
	}

	var current int64
	err = s.pool.QueryRow(ctx,
		`SELECT version FROM sessions WHERE id=$1 AND expires_at > $2`,
		doc.ID, now,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, unavailable("save", err)
	}
	return Document{}, ErrConflict
}

func (s *PostgresStore) Delete(ctx context.Context, id string) (bool, error) {
	var expiresAt time.Time
	err := s.pool.QueryRow(ctx,
		`DELETE FROM sessions WHERE id=$1 RETURNING expires_at`,
		strings.TrimSpace(id),
	).Scan(&expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, unavailable("delete", err)
	}
	if !s.now().Before(expiresAt) {
		s.evicted(strings.TrimSpace(id))
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) Sweep(ctx context.Context) (int, error) {
	rows, err := s.pool.Query(ctx, `DELETE FROM sessions WHERE expires_at <= $1 RETURNING id`, s.now())
	if err != nil {
		return 0, unavailable("sweep", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, unavailable("sweep", err)
	}
	for _, id := range ids {
		s.evicted(id)
	}
	return len(ids), nil
}

func (s *PostgresStore) OnEvict(hook func(id string)) {
	if hook == nil {
		return
	}
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.onEvict = append(s.onEvict, hook)
}

func (s *PostgresStore) evicted(id string) {
	s.hooksMu.RLock()
	hooks := s.onEvict
	s.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(id)
	}
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
