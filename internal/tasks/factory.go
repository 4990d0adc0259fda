package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type QueueConfig struct {
	Backend      string
	DatabaseURL  string
	SQLitePath   string
	PollInterval time.Duration
}

// NewQueue opens the durable queue selected by cfg.Backend.
func NewQueue(ctx context.Context, cfg QueueConfig) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return NewMemoryQueue(), nil
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("postgres queue requires a database url")
		}
		return NewPostgresQueue(ctx, cfg.DatabaseURL, cfg.PollInterval)
	case "sqlite":
		return NewSQLiteQueue(cfg.SQLitePath, cfg.PollInterval)
	default:
		return nil, fmt.Errorf("unknown queue backend %q (expected memory|postgres|sqlite)", cfg.Backend)
	}
}
