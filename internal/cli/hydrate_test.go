package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/chartpull-cli/internal/workspace"
)

func TestHydrateCmd_Use(t *testing.T) {
	assert.Equal(t, "hydrate [folder]", hydrateCmd.Use)
}

func TestHydrateCmd_TasksHelp(t *testing.T) {
	savedTasks := hydrateTasks
	defer func() {
		hydrateTasks = savedTasks
		rootCmd.SetArgs(nil)
	}()

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetArgs([]string{"hydrate", t.TempDir(), "--tasks", "help"})

	err := rootCmd.Execute()

	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "medications")
	assert.Contains(t, buf.String(), "observations")
}

func TestPickSubExport_EmptyWorkspace(t *testing.T) {
	ws := openTestWorkspace(t)

	_, err := pickSubExport(ws, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "holds no exports")
}

func TestPickSubExport_DefaultsToNewest(t *testing.T) {
	ws := openTestWorkspace(t)
	first := testParams()
	first.Nickname = "first"
	completeSub(t, ws, first)
	second := testParams()
	second.Nickname = "second"
	second.Types = []string{"Observation"}
	_, _, err := ws.Ensure(second)
	require.NoError(t, err)

	sub, err := pickSubExport(ws, "")
	require.NoError(t, err)
	assert.Equal(t, "002.second", sub.Name())
}

func TestPickSubExport_ByName(t *testing.T) {
	ws := openTestWorkspace(t)
	first := testParams()
	first.Nickname = "first"
	completeSub(t, ws, first)
	second := testParams()
	second.Nickname = "second"
	second.Types = []string{"Observation"}
	_, _, err := ws.Ensure(second)
	require.NoError(t, err)

	sub, err := pickSubExport(ws, "001.first")
	require.NoError(t, err)
	assert.Equal(t, "001.first", sub.Name())

	_, err = pickSubExport(ws, "009.missing")
	require.Error(t, err)
	assert.ErrorContains(t, err, "009.missing")
}

func TestPickSubExport_NoMetadata(t *testing.T) {
	ws := openTestWorkspace(t)
	require.NoError(t, os.Mkdir(filepath.Join(ws.Root(), "001.broken"), 0o755))

	_, err := pickSubExport(ws, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, workspace.ErrNoMetadata)
}
