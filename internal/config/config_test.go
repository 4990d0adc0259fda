package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.BindAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 50, cfg.HistoryLimit)
	assert.Equal(t, 30, cfg.EditHistoryLimit)
	assert.Equal(t, "memory", cfg.QueueBackend)
	assert.Equal(t, 5*time.Second, cfg.QueuePopWait)
	assert.Equal(t, 30*time.Second, cfg.StatusBroadcastInterval)
	assert.Equal(t, 10*time.Minute, cfg.TaskTimeout)
	assert.False(t, cfg.QueueLeakyCancel)
	assert.Equal(t, "mock", cfg.SynthProvider)
	assert.Equal(t, 1.0, cfg.SynthRatePerSecond)
	assert.Empty(t, cfg.DefaultModel)
	assert.Empty(t, cfg.DefaultSize)
	assert.Empty(t, cfg.DefaultStyle)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("STUDIO_BIND_ADDR", ":9090")
	t.Setenv("STUDIO_LOG_LEVEL", "DEBUG")
	t.Setenv("STUDIO_SESSION_TTL", "2h")
	t.Setenv("STUDIO_HISTORY_LIMIT", "10")
	t.Setenv("STUDIO_QUEUE_LEAKY_CANCEL", "true")
	t.Setenv("STUDIO_QUEUE_BACKEND", "postgres")
	t.Setenv("STUDIO_DATABASE_URL", "postgres://studio@localhost/studio")
	t.Setenv("STUDIO_DEFAULT_MODEL", " imagen-3 ")
	t.Setenv("STUDIO_DEFAULT_STYLE", "watercolor")

	cfg, err := LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.BindAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 10, cfg.HistoryLimit)
	assert.True(t, cfg.QueueLeakyCancel)
	assert.Equal(t, "postgres", cfg.QueueBackend)
	assert.Equal(t, "imagen-3", cfg.DefaultModel)
	assert.Equal(t, "watercolor", cfg.DefaultStyle)
	assert.Empty(t, cfg.DefaultSize)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "studio.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bind_addr: \":7070\"\nsynth_provider: ollama\nqueue_pop_wait: 2s\n"), 0o600))
	t.Setenv("STUDIO_QUEUE_POP_WAIT", "3s")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.BindAddr)
	assert.Equal(t, "ollama", cfg.SynthProvider)
	assert.Equal(t, 3*time.Second, cfg.QueuePopWait)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"STUDIO_SESSION_TTL":    "30s",
		"STUDIO_QUEUE_BACKEND":  "redis",
		"STUDIO_LOG_LEVEL":      "verbose",
		"STUDIO_SYNTH_PROVIDER": "dalle",
		"STUDIO_HISTORY_LIMIT":  "0",
		"STUDIO_SYNTH_BASE_URL": "not a url",
		"STUDIO_WORKER_BACKOFF": "1m",
		"STUDIO_QUEUE_POP_WAIT": "0s",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := LoadFile("")
			assert.Error(t, err)
		})
	}
}

func TestValidateCrossFieldRules(t *testing.T) {
	t.Run("postgres needs url", func(t *testing.T) {
		t.Setenv("STUDIO_SESSION_BACKEND", "postgres")
		_, err := LoadFile("")
		assert.ErrorContains(t, err, "database_url")
	})
	t.Run("gemini needs key", func(t *testing.T) {
		t.Setenv("STUDIO_SYNTH_PROVIDER", "gemini")
		_, err := LoadFile("")
		assert.ErrorContains(t, err, "synth_api_key")
	})
}
