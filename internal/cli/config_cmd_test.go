package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wolfpack.cue")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestConfigPrint_Defaults(t *testing.T) {
	out, err := execute(t, "config", "print")
	require.NoError(t, err)

	var cfg map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, ":8080", cfg["server"]["addr"])
	assert.Equal(t, "sqlite", cfg["server"]["backend"])
	assert.Equal(t, "1m30s", cfg["engine"]["overlay_ttl"])
}

func TestConfigPrint_File(t *testing.T) {
	path := writeConfig(t, `server: {backend: "memory", addr: ":9090"}
retry: max_attempts: 2
`)
	out, err := execute(t, "--config", path, "config", "print")
	require.NoError(t, err)

	var cfg map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, ":9090", cfg["server"]["addr"])
	assert.Equal(t, "memory", cfg["server"]["backend"])
	assert.Equal(t, float64(2), cfg["retry"]["max_attempts"])
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		path := writeConfig(t, `log: level: "debug"`)
		out, err := execute(t, "config", "validate", path)
		require.NoError(t, err)
		assert.Contains(t, out, path+": ok")
	})

	t.Run("invalid", func(t *testing.T) {
		path := writeConfig(t, `server: backend: "mysql"`)
		out, err := execute(t, "--format", "json", "config", "validate", path)
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))

		var resp CLIResponse
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		assert.Equal(t, "error", resp.Status)
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeConfig, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, path)
	})

	t.Run("cross-field rule", func(t *testing.T) {
		path := writeConfig(t, `server: {backend: "sqlite", push: "pgnotify"}`)
		out, err := execute(t, "config", "validate", path)
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.Contains(t, out, "requires server.backend")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := execute(t, "config", "validate", filepath.Join(t.TempDir(), "absent.cue"))
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})
}

func TestConfigPrint_BadFileIsCommandError(t *testing.T) {
	path := writeConfig(t, `engine: page_size: 0`)
	_, err := execute(t, "--config", path, "config", "print")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
