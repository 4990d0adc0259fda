package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound means the session never existed or expired; callers treat
	// both the same.
	ErrNotFound         = errors.New("session not found")
	ErrConflict         = errors.New("session modified concurrently")
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// Store is a TTL-expiring document store. Every successful Get or Save
// pushes the document's expiry out by the store TTL.
type Store interface {
	Create(ctx context.Context, doc Document) (Document, error)
	Get(ctx context.Context, id string) (Document, error)
	// Save replaces the stored document if its version still equals
	// doc.Version, and returns it with the version bumped. A stale version
	// yields ErrConflict.
	Save(ctx context.Context, doc Document) (Document, error)
	Delete(ctx context.Context, id string) (bool, error)
	// Sweep drops expired documents and reports how many went.
	Sweep(ctx context.Context) (int, error)
	// OnEvict registers a hook called once for every document removed
	// because it expired, whichever operation noticed it.
	OnEvict(hook func(id string))
	Close() error
}

type StoreConfig struct {
	Backend     string
	DatabaseURL string
	TTL         time.Duration
}

// NewStore creates the document store selected by cfg.Backend.
func NewStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return NewMemoryStore(cfg.TTL), nil
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("postgres session store requires a database url")
		}
		return NewPostgresStore(ctx, cfg.DatabaseURL, cfg.TTL)
	default:
		return nil, fmt.Errorf("unknown session backend %q (expected memory|postgres)", cfg.Backend)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
