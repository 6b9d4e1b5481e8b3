package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	harnessScenarios = "../harness/testdata/scenarios"
	harnessGolden    = "../harness/testdata/golden"
)

// copyScenario copies one harness scenario into dir.
func copyScenario(t *testing.T, dir, name string) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(harnessScenarios, name+".yaml"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), data, 0o644))
}

func TestScenarioCommand_HarnessScenariosPass(t *testing.T) {
	out, err := execute(t, "scenario", harnessScenarios, "--golden", harnessGolden)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ like_confirmed_by_echo")
	assert.Contains(t, out, "5 passed, 0 failed, 5 total")
}

func TestScenarioCommand_JSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "scenario", harnessScenarios, "--golden", harnessGolden, "--filter", "order_*")
	require.NoError(t, err, out)

	var resp struct {
		Status string          `json:"status"`
		Data   ScenarioSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Total)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "order_ready_alert", resp.Data.Scenarios[0].Name)
	assert.True(t, resp.Data.Scenarios[0].Pass)
}

func TestScenarioCommand_UpdateThenCompare(t *testing.T) {
	dir := t.TempDir()
	copyScenario(t, dir, "rollback_failure")

	_, err := execute(t, "scenario", dir)
	require.Error(t, err, "no golden file yet")
	assert.Equal(t, ExitFailure, GetExitCode(err))

	_, err = execute(t, "scenario", dir, "--update")
	require.NoError(t, err)

	written, err := os.ReadFile(filepath.Join(dir, "golden", "rollback_failure.golden"))
	require.NoError(t, err)
	expected, err := os.ReadFile(filepath.Join(harnessGolden, "rollback_failure.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(expected), string(written))

	out, err := execute(t, "scenario", dir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestScenarioCommand_GoldenMismatch(t *testing.T) {
	dir := t.TempDir()
	copyScenario(t, dir, "like_confirmed_by_echo")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "golden"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", "like_confirmed_by_echo.golden"),
		[]byte("# like_confirmed_by_echo\n1 step post/p-1 action=mutate\n"), 0o644))

	out, err := execute(t, "scenario", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ like_confirmed_by_echo")
	assert.Contains(t, out, "trace differs from golden file: line 2")
}

func TestScenarioCommand_InvalidScenario(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: broken\nsteps: [{bogus: 1}]\n"), 0o644))

	out, err := execute(t, "scenario", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "load:")
}

func TestScenarioCommand_CommandErrors(t *testing.T) {
	_, err := execute(t, "scenario", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "scenario", t.TempDir(), "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestScenarioCommand_EmptyDirectory(t *testing.T) {
	out, err := execute(t, "scenario", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestFindScenarioFiles_SkipsGoldenDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "golden"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "orders"), 0o755))
	for _, name := range []string{"a.yaml", "golden/b.yaml", "orders/c.yml", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	files, err := findScenarioFiles(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.yaml"), filepath.Join(dir, "orders", "c.yml")}, files)

	files, err = findScenarioFiles(dir, "c")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "orders", "c.yml")}, files)
}

func TestFirstDifference(t *testing.T) {
	assert.Equal(t, `line 2: want "b", got "c"`, firstDifference([]byte("a\nb\n"), []byte("a\nc\n")))
	assert.Equal(t, `line 3: want "", got "extra"`, firstDifference([]byte("a\nb"), []byte("a\nb\nextra")))
}
