package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenariosDir = "../harness/testdata/scenarios"

func TestScenarioCommand_AllPass(t *testing.T) {
	out, err := execute(t, "scenario", scenariosDir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ first-save")
	assert.Contains(t, out, "0 failed")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestScenarioCommand_FilterJSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "scenario", scenariosDir, "--filter", "b_*")
	require.NoError(t, err, out)

	var resp struct {
		Status string          `json:"status"`
		Data   ScenarioSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 3, resp.Data.Total)
	assert.Equal(t, 3, resp.Data.Passed)
	for _, s := range resp.Data.Scenarios {
		assert.True(t, s.Pass, s.Name)
	}
}

func TestScenarioCommand_NoMatches(t *testing.T) {
	out, err := execute(t, "scenario", scenariosDir, "--filter", "zzz*")
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestScenarioCommand_MissingDir(t *testing.T) {
	_, err := execute(t, "scenario", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestScenarioCommand_GoldenUpdateAndMismatch(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "scenarios")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	src, err := os.ReadFile(filepath.Join(scenariosDir, "a_first_save.yaml"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a_first_save.yaml"), src, 0o644))

	_, err = execute(t, "scenario", dir, "--update")
	require.NoError(t, err)

	goldenPath := filepath.Join(root, "golden", "first-save.golden")
	written, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	want, err := os.ReadFile("../harness/testdata/golden/first-save.golden")
	require.NoError(t, err)
	assert.Equal(t, string(want), string(written))

	out, err := execute(t, "scenario", dir)
	require.NoError(t, err, out)

	require.NoError(t, os.WriteFile(goldenPath, []byte(`{"scenario_name":"first-save","trace":[]}`), 0o644))
	out, err = execute(t, "scenario", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ first-save")
	assert.Contains(t, out, "trace does not match golden file")
}

func TestScenarioCommand_FailingScenario(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(`
name: wrong-revision
description: expects the wrong revision
steps:
  - do: save
    key: doc1
    content: {n: 1}
    expect:
      outcome: committed
      revision: 7
`), 0o644))

	out, err := execute(t, "--format", "json", "scenario", dir, "--golden", filepath.Join(dir, "golden"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "SCENARIO_FAILED", resp.Error.Code)
}
