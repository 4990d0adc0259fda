package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreLazyEvictionRunsHooks(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	store := NewMemoryStore(time.Minute)
	store.SetClock(clock.Now)
	evicted := make(chan string, 4)
	store.OnEvict(func(id string) { evicted <- id })
	ctx := context.Background()

	doc, err := store.Create(ctx, Document{ID: "a"})
	require.NoError(t, err)
	clock.Advance(time.Minute)

	_, err = store.Save(ctx, doc)
	assert.ErrorIs(t, err, ErrNotFound)
	select {
	case id := <-evicted:
		assert.Equal(t, "a", id)
	case <-time.After(2 * time.Second):
		t.Fatal("expired document was not reported")
	}
	assert.Zero(t, store.Len())

	// Recreating an id whose entry expired reports the old one first.
	_, err = store.Create(ctx, Document{ID: "b"})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = store.Create(ctx, Document{ID: "b"})
	require.NoError(t, err)
	select {
	case id := <-evicted:
		assert.Equal(t, "b", id)
	case <-time.After(2 * time.Second):
		t.Fatal("overwritten document was not reported")
	}
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStoreSweepWhileClockChanges(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := store.Create(ctx, Document{ID: id})
		require.NoError(t, err)
	}

	base := time.Now().UTC()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range 200 {
			offset := time.Duration(i) * time.Second
			store.SetClock(func() time.Time { return base.Add(offset) })
		}
	}()
	go func() {
		defer wg.Done()
		for range 200 {
			_, err := store.Sweep(ctx)
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	store.SetClock(func() time.Time { return base.Add(time.Hour) })
	_, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, store.Len())
}
