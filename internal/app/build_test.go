package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/studio/internal/config"
	"github.com/ent0n29/studio/internal/logging"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.LoadFile("")
	require.NoError(t, err)
	cfg.QueuePopWait = 20 * time.Millisecond
	cfg.SynthMockDelay = 0
	cfg.StatusBroadcastInterval = 50 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func postJSON(t *testing.T, url string, body any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	res, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer res.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return out
}

func getJSON(url string) (int, map[string]any) {
	res, err := http.Get(url)
	if err != nil {
		return 0, nil
	}
	defer res.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res.StatusCode, out
}

func runBuilt(t *testing.T, cfg config.Config) string {
	t.Helper()
	var logs bytes.Buffer
	built, err := Build(context.Background(), cfg, logging.New(&logs, "debug", "json"))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, built.Cleanup()) })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- built.Run(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})

	base := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		code, _ := getJSON(base + "/readyz")
		return code == http.StatusOK
	}, 3*time.Second, 10*time.Millisecond)
	return base
}

func TestBuildAndRunEndToEnd(t *testing.T) {
	base := runBuilt(t, testConfig(t))

	sess := postJSON(t, base+"/v1/sessions", map[string]any{})
	sessionID := sess["session_id"].(string)

	created := postJSON(t, base+"/v1/tasks", map[string]any{
		"session_id": sessionID,
		"prompt":     "a red bicycle",
		"parameters": map[string]any{"kind": "generate", "n": 2},
	})
	taskID := created["task_id"].(string)

	require.Eventually(t, func() bool {
		_, task := getJSON(base + "/v1/tasks/" + taskID)
		return task["status"] == "completed"
	}, 3*time.Second, 10*time.Millisecond)

	_, doc := getJSON(base + "/v1/sessions/" + sessionID)
	history := doc["history"].([]any)
	require.Len(t, history, 1)
	entry := history[0].(map[string]any)
	assert.Equal(t, taskID, entry["task_id"])
	assert.Len(t, entry["result"].(map[string]any)["images"], 2)
}

func TestBuildAppliesDefaultSessionSettings(t *testing.T) {
	cfg := testConfig(t)
	cfg.DefaultModel = "imagen-3"
	cfg.DefaultSize = "1024x1024"
	cfg.DefaultStyle = "watercolor"
	base := runBuilt(t, cfg)

	sess := postJSON(t, base+"/v1/sessions", map[string]any{})
	settings := sess["settings"].(map[string]any)
	assert.Equal(t, "imagen-3", settings["model"])
	assert.Equal(t, "1024x1024", settings["size"])
	assert.Equal(t, "watercolor", settings["style"])
}

func TestBuildWithSQLiteQueue(t *testing.T) {
	cfg := testConfig(t)
	cfg.QueueBackend = "sqlite"
	cfg.SQLitePath = filepath.Join(t.TempDir(), "queue.db")
	cfg.QueuePollInterval = 10 * time.Millisecond
	base := runBuilt(t, cfg)

	code, status := getJSON(base + "/v1/queue/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, status["worker_alive"])
}

func TestBuildRejectsUnknownBackends(t *testing.T) {
	cfg := testConfig(t)
	cfg.QueueBackend = "redis"
	_, err := Build(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "task queue init failed")

	cfg = testConfig(t)
	cfg.SynthProvider = "dalle"
	_, err = Build(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "synthesizer init failed")
}
