package tasks

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToGenerate(t *testing.T) {
	now := time.Now().UTC()
	task := New(" s1 ", " a cat ", Parameters{}, now)

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "s1", task.SessionID)
	assert.Equal(t, "a cat", task.Prompt)
	assert.Equal(t, KindGenerate, task.Parameters.Kind)
	assert.Equal(t, TaskStatusQueued, task.Status)
	assert.Nil(t, task.Result)
	assert.Empty(t, task.Error)
}

func TestLifecycleHappyPath(t *testing.T) {
	now := time.Now().UTC()
	task := New("s1", "cat", Parameters{Kind: KindGenerate}, now)

	require.NoError(t, task.MarkProcessing(now.Add(time.Second)))
	assert.Equal(t, TaskStatusProcessing, task.Status)
	require.NotNil(t, task.StartedAt)

	require.NoError(t, task.Complete(Result{Text: "done"}, now.Add(2*time.Second)))
	assert.Equal(t, TaskStatusCompleted, task.Status)
	require.NotNil(t, task.Result)
	assert.Equal(t, "done", task.Result.Text)
	assert.Empty(t, task.Error)
	assert.True(t, task.Terminal())
}

func TestLifecycleFailureCarriesRetryable(t *testing.T) {
	now := time.Now().UTC()
	task := New("s1", "dog", Parameters{}, now)
	require.NoError(t, task.MarkProcessing(now))

	require.NoError(t, task.Fail("RATE_LIMIT", true, now))
	assert.Equal(t, TaskStatusFailed, task.Status)
	assert.Equal(t, "RATE_LIMIT", task.Error)
	assert.True(t, task.Retryable)
	assert.Nil(t, task.Result)
}

func TestTerminalTransitionsAreIdempotent(t *testing.T) {
	now := time.Now().UTC()
	task := New("s1", "cat", Parameters{}, now)
	require.NoError(t, task.MarkProcessing(now))
	require.NoError(t, task.Complete(Result{Text: "first"}, now))
	endedAt := *task.EndedAt

	require.NoError(t, task.Complete(Result{Text: "second"}, now.Add(time.Minute)))
	assert.Equal(t, "first", task.Result.Text)
	assert.Equal(t, endedAt, *task.EndedAt)

	err := task.Fail("boom", false, now)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, TaskStatusCompleted, task.Status)
}

func TestTransitionsRejectSkippingProcessing(t *testing.T) {
	now := time.Now().UTC()
	task := New("s1", "cat", Parameters{}, now)

	assert.ErrorIs(t, task.Complete(Result{}, now), ErrInvalidTransition)
	assert.ErrorIs(t, task.Fail("x", false, now), ErrInvalidTransition)
	assert.Equal(t, TaskStatusQueued, task.Status)
}

func TestNoReentryToProcessingAfterTerminal(t *testing.T) {
	now := time.Now().UTC()
	task := New("s1", "cat", Parameters{}, now)
	require.NoError(t, task.MarkProcessing(now))
	require.NoError(t, task.MarkProcessing(now))
	require.NoError(t, task.Fail("x", false, now))

	assert.ErrorIs(t, task.MarkProcessing(now), ErrInvalidTransition)
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now().UTC()
	task := New("s1", "cat", Parameters{ImageRefs: []string{"a"}, Extra: map[string]string{"k": "v"}}, now)
	require.NoError(t, task.MarkProcessing(now))
	require.NoError(t, task.Complete(Result{Images: []Image{{URL: "u"}}}, now))

	c := task.Clone()
	c.Parameters.ImageRefs[0] = "b"
	c.Parameters.Extra["k"] = "changed"
	c.Result.Images[0].URL = "changed"

	assert.Equal(t, "a", task.Parameters.ImageRefs[0])
	assert.Equal(t, "v", task.Parameters.Extra["k"])
	assert.Equal(t, "u", task.Result.Images[0].URL)
}
