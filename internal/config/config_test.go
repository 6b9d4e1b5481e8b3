package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/wolfpack/internal/overlay"
	"github.com/roach88/wolfpack/internal/poll"
	"github.com/roach88/wolfpack/internal/retry"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "wolfpack.cue")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault_MatchesComponentDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Server.Backend)
	assert.Equal(t, "hub", cfg.Server.Push)
	assert.Empty(t, cfg.Server.Origins)
	assert.Equal(t, poll.DefaultInterval, cfg.Engine.PollInterval.Std())
	assert.Equal(t, poll.DefaultDegradedInterval, cfg.Engine.DegradedInterval.Std())
	assert.Equal(t, poll.DefaultPageSize, cfg.Engine.PageSize)
	assert.Equal(t, poll.DefaultMaxPages, cfg.Engine.MaxPages)
	assert.Equal(t, overlay.DefaultTTL, cfg.Engine.OverlayTTL.Std())
	assert.Equal(t, retry.DefaultPolicy(), cfg.RetryPolicy())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_EmptyPathIsDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
server: {
	backend:  "postgres"
	database: "postgres://localhost/wolfpack"
	push:     "pgnotify"
	origins: ["app.example.com"]
}
engine: poll_interval: "1m30s"
retry: max_attempts: 6
log: level: "debug"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Server.Backend)
	assert.Equal(t, "pgnotify", cfg.Server.Push)
	assert.Equal(t, []string{"app.example.com"}, cfg.Server.Origins)
	assert.Equal(t, 90*time.Second, cfg.Engine.PollInterval.Std())
	assert.Equal(t, 6, cfg.RetryPolicy().MaxAttempts)
	assert.Equal(t, time.Second, cfg.RetryPolicy().BaseDelay)
	assert.Len(t, cfg.EngineOptions(), 9)
}

func TestParse_AcceptsJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"server": {"backend": "memory", "addr": "127.0.0.1:0"}}`), "wolfpack.json")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Server.Backend)
	assert.Equal(t, "127.0.0.1:0", cfg.Server.Addr)
}

func TestParse_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown field", `server: bogus: 1`},
		{"unknown backend", `server: backend: "mysql"`},
		{"bad duration", `engine: poll_interval: "soon"`},
		{"page size range", `engine: page_size: 500`},
		{"multiplier below one", `retry: multiplier: 0.5`},
		{"syntax", `server: {`},
		{"pgnotify without postgres", `server: push: "pgnotify"`},
		{"hub with postgres", `server: {backend: "postgres", database: "postgres://db"}`},
		{"max below base", `retry: {base_delay: "10s", max_delay: "1s"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body), "bad.cue")
			require.Error(t, err)
			var ce *Error
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, "bad.cue", ce.File)
			assert.NotEmpty(t, ce.Message)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.cue"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLog_SlogLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", Log{Level: "debug"}.SlogLevel().String())
	assert.Equal(t, "WARN", Log{Level: "warn"}.SlogLevel().String())
	assert.Equal(t, "INFO", Log{}.SlogLevel().String())
}

func TestWatcher_ReloadsValidEdits(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `log: level: "info"`)

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 16)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, func(c *Config) { reloaded <- c }) }()

	require.NoError(t, os.WriteFile(path, []byte(`log: level: "nope"`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.cue"), []byte(`x: 1`), 0o644))
	require.NoError(t, os.WriteFile(path, []byte(`log: level: "debug"`), 0o644))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-reloaded:
			require.NotEqual(t, "nope", cfg.Log.Level)
			if cfg.Log.Level == "debug" {
				cancel()
				require.NoError(t, <-done)
				return
			}
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}
