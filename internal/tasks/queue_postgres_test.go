package tasks

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestPostgresQueue(t *testing.T) *PostgresQueue {
	t.Helper()
	url := strings.TrimSpace(os.Getenv("STUDIO_TEST_DATABASE_URL"))
	if url == "" {
		t.Skip("STUDIO_TEST_DATABASE_URL not set")
	}
	q, err := NewPostgresQueue(context.Background(), url, 10*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = q.pool.Exec(context.Background(), `TRUNCATE task_queue, task_processing`)
		_ = q.Close()
	})
	_, err = q.pool.Exec(context.Background(), `TRUNCATE task_queue, task_processing`)
	require.NoError(t, err)
	return q
}

func TestPostgresQueueFIFOAndPositions(t *testing.T) {
	q := openTestPostgresQueue(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := New("s1", "cat", Parameters{}, now)
	b := New("s1", "dog", Parameters{}, now)
	pos, err := q.Push(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	pos, err = q.Push(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	got, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	removed, err := q.Remove(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = q.Pop(ctx, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmptyQueue)
}

func TestPostgresQueueProcessingTable(t *testing.T) {
	q := openTestPostgresQueue(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := New("s1", "cat", Parameters{}, now)
	require.NoError(t, a.MarkProcessing(now))
	require.NoError(t, q.SetProcessing(ctx, a))

	inflight, err := q.Processing(ctx)
	require.NoError(t, err)
	require.Len(t, inflight, 1)
	assert.Equal(t, TaskStatusProcessing, inflight[0].Status)

	require.NoError(t, q.ClearProcessing(ctx, a.ID))
	inflight, err = q.Processing(ctx)
	require.NoError(t, err)
	assert.Empty(t, inflight)
}
