package tasks

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()
	now := time.Now().UTC()

	q, err := NewSQLiteQueue(path, 10*time.Millisecond)
	require.NoError(t, err)
	a := New("s1", "cat", Parameters{Kind: KindEdit, ImageRefs: []string{"https://img/1.png"}}, now)
	b := New("s1", "dog", Parameters{}, now)
	pos, err := q.Push(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	pos, err = q.Push(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 2, pos)
	require.NoError(t, q.Close())

	q, err = NewSQLiteQueue(path, 10*time.Millisecond)
	require.NoError(t, err)
	defer q.Close()

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, KindEdit, got.Parameters.Kind)
	assert.Equal(t, []string{"https://img/1.png"}, got.Parameters.ImageRefs)

	got, err = q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	_, err = q.Pop(ctx, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmptyQueue)
}

func TestSQLiteQueueRemoveAndProcessing(t *testing.T) {
	q, err := NewSQLiteQueue(filepath.Join(t.TempDir(), "queue.db"), 10*time.Millisecond)
	require.NoError(t, err)
	defer q.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	a := New("s1", "cat", Parameters{}, now)
	_, err = q.Push(ctx, a)
	require.NoError(t, err)

	removed, err := q.Remove(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = q.Remove(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, removed)

	require.NoError(t, a.MarkProcessing(now))
	require.NoError(t, q.SetProcessing(ctx, a))
	require.NoError(t, q.SetProcessing(ctx, a))
	inflight, err := q.Processing(ctx)
	require.NoError(t, err)
	require.Len(t, inflight, 1)
	assert.Equal(t, a.ID, inflight[0].ID)

	require.NoError(t, q.ClearProcessing(ctx, a.ID))
	inflight, err = q.Processing(ctx)
	require.NoError(t, err)
	assert.Empty(t, inflight)
}

func TestNewQueueRejectsUnknownBackend(t *testing.T) {
	_, err := NewQueue(context.Background(), QueueConfig{Backend: "redis"})
	assert.Error(t, err)

	_, err = NewQueue(context.Background(), QueueConfig{Backend: "postgres"})
	assert.Error(t, err)

	q, err := NewQueue(context.Background(), QueueConfig{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryQueue{}, q)
}
