package base

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTempFolderLifecycle(t *testing.T) {
	mgr, err := NewTempManager(AbsolutePath(t.TempDir()))
	require.NoError(t, err)

	folder, err := mgr.NewFolder("extract")
	require.NoError(t, err)
	assert.DirExists(t, folder.Path().String())
	assert.True(t, strings.Contains(folder.Path().Base(), "extract"))

	require.NoError(t, os.WriteFile(folder.Path().Join("f.txt").String(), []byte("x"), 0o644))
	require.NoError(t, folder.Close())
	assert.NoDirExists(t, folder.Path().String())

	// Closing twice is safe.
	require.NoError(t, folder.Close())
}

func TestTempSweepRemovesDeadProcessResidue(t *testing.T) {
	root := t.TempDir()
	// A PID far above pid_max never belongs to a live process.
	stale := filepath.Join(root, "999999999_1_extract")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	keep := filepath.Join(root, "not-a-scoped-dir")
	require.NoError(t, os.MkdirAll(keep, 0o755))

	mgr, err := NewTempManager(AbsolutePath(root))
	require.NoError(t, err)

	live, err := mgr.NewFolder("busy")
	require.NoError(t, err)

	require.NoError(t, mgr.Sweep())
	assert.NoDirExists(t, stale)
	assert.DirExists(t, keep)
	assert.DirExists(t, live.Path().String())
}
