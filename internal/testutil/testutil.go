// Package testutil holds shared fixtures for the engine's tests: BTAR
// builders, bundle builders, and small resource sets.
package testutil

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/modlift/modlift/limits"
	"github.com/modlift/modlift/modlist"
)

// BTAREntry is one entry of a synthetic BTAR stream.
type BTAREntry struct {
	Name string
	Data []byte
}

// BuildBTAR packs entries into a BTAR stream with the given minor version.
func BuildBTAR(minor uint16, entries ...BTAREntry) []byte {
	var buf bytes.Buffer
	buf.WriteString("BTAR")
	_ = binary.Write(&buf, binary.BigEndian, uint16(1))
	_ = binary.Write(&buf, binary.BigEndian, minor)
	for _, entry := range entries {
		_ = binary.Write(&buf, binary.BigEndian, uint16(len(entry.Name))) //nolint:gosec // test data
		buf.WriteString(entry.Name)
		_ = binary.Write(&buf, binary.BigEndian, uint64(len(entry.Data)))
		buf.Write(entry.Data)
	}
	return buf.Bytes()
}

// BuildBundle writes a .modlist bundle containing the manifest and blobs
// and returns its path.
func BuildBundle(t *testing.T, ml *modlist.Modlist, blobs map[string][]byte) string {
	t.Helper()

	manifest, err := json.Marshal(ml)
	require.NoError(t, err)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(modlist.ModlistEntryName)
	require.NoError(t, err)
	_, err = w.Write(manifest)
	require.NoError(t, err)
	for id, data := range blobs {
		bw, berr := zw.Create(id)
		require.NoError(t, berr)
		_, berr = bw.Write(data)
		require.NoError(t, berr)
	}
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "list.modlist")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

// NewResources returns a small resource set for tests and closes it with
// the test.
func NewResources(t *testing.T) *limits.Set {
	t.Helper()
	caps := limits.Caps{
		Downloads:     limits.Limits{MaxTasks: 4},
		WebRequests:   limits.Limits{MaxTasks: 4},
		VFS:           limits.Limits{MaxTasks: 4},
		FileHashing:   limits.Limits{MaxTasks: 4},
		FileExtractor: limits.Limits{MaxTasks: 4},
		Installer:     limits.Limits{MaxTasks: 4},
	}
	set := limits.NewSet(caps)
	t.Cleanup(set.Close)
	return set
}
