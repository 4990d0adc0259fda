package session

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestPostgresStore(t *testing.T, ttl time.Duration) *PostgresStore {
	t.Helper()
	url := strings.TrimSpace(os.Getenv("STUDIO_TEST_DATABASE_URL"))
	if url == "" {
		t.Skip("STUDIO_TEST_DATABASE_URL not set")
	}
	s, err := NewPostgresStore(context.Background(), url, ttl)
	require.NoError(t, err)
	_, err = s.pool.Exec(context.Background(), `TRUNCATE sessions`)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.pool.Exec(context.Background(), `TRUNCATE sessions`)
		_ = s.Close()
	})
	return s
}

func TestPostgresStoreCASAndTTL(t *testing.T) {
	s := openTestPostgresStore(t, time.Hour)
	ctx := context.Background()
	var evicted []string
	s.OnEvict(func(id string) { evicted = append(evicted, id) })
	now := time.Now().UTC()

	doc, err := s.Create(ctx, Document{ID: "sess-1", CreatedAt: now})
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)

	_, err = s.Create(ctx, Document{ID: "sess-1", CreatedAt: now})
	assert.ErrorIs(t, err, ErrConflict)

	doc.Settings.Model = "imagen"
	saved, err := s.Save(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.Version)

	_, err = s.Save(ctx, doc)
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "imagen", got.Settings.Model)
	assert.Equal(t, int64(2), got.Version)

	s.now = func() time.Time { return now.Add(2 * time.Hour) }
	_, err = s.Get(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Save(ctx, got)
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"sess-1"}, evicted)
}

func TestPostgresStoreDelete(t *testing.T) {
	s := openTestPostgresStore(t, time.Hour)
	ctx := context.Background()

	_, err := s.Create(ctx, Document{ID: "sess-2", CreatedAt: time.Now().UTC()})
	require.NoError(t, err)

	existed, err := s.Delete(ctx, "sess-2")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.Delete(ctx, "sess-2")
	require.NoError(t, err)
	assert.False(t, existed)
}
