package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tickstate/internal/store"
)

func TestRun_PassingScenario(t *testing.T) {
	out, err := execute(t, "run", filepath.Join(scenariosDir, "cart_totals.yaml"))
	require.NoError(t, err)

	assert.Contains(t, out, "Scenario: cart_totals")
	assert.Contains(t, out, "=== Ticks (2 after")
	assert.Contains(t, out, `Summary#main: {"cartTotal":25}`)
	assert.Contains(t, out, "✓ All assertions passed")
	assert.NotContains(t, out, "Trace run:")
}

func TestRun_DegradedTicksAreShown(t *testing.T) {
	out, err := execute(t, "run", filepath.Join(scenariosDir, "low_priority_budget.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "degraded (budget_steps)")
}

func TestRun_JSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "run", filepath.Join(scenariosDir, "link_cycle.yaml"))
	require.NoError(t, err)

	var resp struct {
		Status string    `json:"status"`
		Data   RunReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Pass)
	assert.Equal(t, "link_cycle", resp.Data.Scenario)
	assert.Len(t, resp.Data.Ticks, 1)
	assert.Equal(t, map[string]any{"v": float64(7)}, resp.Data.State["Pong#main"])
}

func TestRun_FailingAssertions(t *testing.T) {
	dir := t.TempDir()
	path := copyScenario(t, dir, "cart_totals.yaml")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data = []byte(strings.Replace(string(data), "path: total, value: 25", "path: total, value: 26", 1))
	require.NoError(t, os.WriteFile(path, data, 0o644))

	out, err := execute(t, "run", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ Assertions failed")
	assert.Contains(t, out, "= 26")
}

func TestRun_MissingScenario(t *testing.T) {
	_, err := execute(t, "run", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeScenario)
}

func TestRun_PersistsTrace(t *testing.T) {
	db := filepath.Join(t.TempDir(), "trace.db")

	out, err := execute(t, "run", "--db", db, filepath.Join(scenariosDir, "low_priority_budget.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "Trace run: 1")

	st, err := store.Open(db)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	runs, err := st.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "low_priority_budget", runs[0].Name)
	assert.Positive(t, runs[0].Ticks)

	degraded, err := st.ReadTicks(ctx, store.Filter{RunID: runs[0].ID, Degraded: true})
	require.NoError(t, err)
	assert.NotEmpty(t, degraded)
}

func TestRun_SecondRunGetsNewID(t *testing.T) {
	db := filepath.Join(t.TempDir(), "trace.db")

	_, err := execute(t, "run", "--db", db, filepath.Join(scenariosDir, "link_cycle.yaml"))
	require.NoError(t, err)
	out, err := execute(t, "run", "--db", db, filepath.Join(scenariosDir, "cart_totals.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "Trace run: 2")
}
