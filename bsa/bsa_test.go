package bsa

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modlift/modlift/base"
)

func buildContainer(t *testing.T, state ContainerState, files map[FileState][]byte, order []FileState) base.StreamFactory {
	t.Helper()
	w, err := NewWriter(state)
	require.NoError(t, err)
	for _, fs := range order {
		require.NoError(t, w.AddFile(fs, bytes.NewReader(files[fs])))
	}
	var packed bytes.Buffer
	require.NoError(t, w.Build(&packed))

	path := filepath.Join(t.TempDir(), "out.pack")
	require.NoError(t, os.WriteFile(path, packed.Bytes(), 0o644))
	src, err := base.NewFileStreamFactory(base.AbsolutePath(path))
	require.NoError(t, err)
	return src
}

func TestBSARoundTrip(t *testing.T) {
	plain := FileState{Path: "meshes/chair.nif", Index: 0}
	packed := FileState{Path: "scripts/quest.pex", Index: 1, Compressed: true}
	files := map[FileState][]byte{
		plain:  []byte("plain mesh bytes"),
		packed: bytes.Repeat([]byte("compressible script "), 200),
	}
	src := buildContainer(t, ContainerState{Format: FormatBSA}, files, []FileState{plain, packed})

	r, err := Open(src)
	require.NoError(t, err)
	assert.Equal(t, FormatBSA, r.Format)
	assert.Equal(t, BSAVersion, r.Version)
	require.Len(t, r.Entries, 2)

	for state, want := range files {
		entry, ok := r.Find(state.Path)
		require.True(t, ok, "entry %s", state.Path)
		assert.Equal(t, state.Compressed, entry.Compressed)
		got, err := entry.Bytes()
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, int64(len(want)), entry.Size)
	}
}

func TestBSAFindIsCaseInsensitive(t *testing.T) {
	state := FileState{Path: "Textures/Armor/steel.dds"}
	src := buildContainer(t, ContainerState{Format: FormatBSA},
		map[FileState][]byte{state: []byte("dds")}, []FileState{state})

	r, err := Open(src)
	require.NoError(t, err)
	_, ok := r.Find("textures/armor/STEEL.DDS")
	assert.True(t, ok)
}

func TestBA2GeneralRoundTrip(t *testing.T) {
	raw := FileState{Path: "interface/hud.swf", Index: 0}
	packed := FileState{Path: "strings/game.strings", Index: 1, Compressed: true}
	files := map[FileState][]byte{
		raw:    []byte("swf payload"),
		packed: bytes.Repeat([]byte("strings strings "), 300),
	}
	src := buildContainer(t, ContainerState{Format: FormatBA2, Type: BA2General}, files, []FileState{raw, packed})

	r, err := Open(src)
	require.NoError(t, err)
	assert.Equal(t, FormatBA2, r.Format)
	assert.Equal(t, BA2General, r.Type)

	for state, want := range files {
		entry, ok := r.Find(state.Path)
		require.True(t, ok)
		got, err := entry.Bytes()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestBA2TextureChunking(t *testing.T) {
	tex := FileState{
		Path: "textures/landscape/dirt.dds", Index: 0,
		DX10: true, Width: 1024, Height: 1024, NumMips: 10, ChunkSize: 1 << 10,
	}
	payload := bytes.Repeat([]byte{0xAB, 0xCD}, 3<<10) // spans several chunks
	src := buildContainer(t, ContainerState{Format: FormatBA2, Type: BA2Texture},
		map[FileState][]byte{tex: payload}, []FileState{tex})

	r, err := Open(src)
	require.NoError(t, err)
	require.Len(t, r.Entries, 1)
	entry := r.Entries[0]
	assert.True(t, entry.DX10)

	got, err := entry.Bytes()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestOpenRejectsUnknownMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk")
	require.NoError(t, os.WriteFile(path, []byte("not a container"), 0o644))
	src, err := base.NewFileStreamFactory(base.AbsolutePath(path))
	require.NoError(t, err)

	_, err = Open(src)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestReaderRejectsOutOfBoundsEntry(t *testing.T) {
	state := FileState{Path: "a.bin"}
	src := buildContainer(t, ContainerState{Format: FormatBSA},
		map[FileState][]byte{state: []byte("0123456789")}, []FileState{state})

	// Truncate the payload region so the entry points past EOF.
	stream, err := src.Open()
	require.NoError(t, err)
	all := make([]byte, src.Size())
	_, err = io.ReadFull(stream, all)
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	truncated := filepath.Join(t.TempDir(), "short.bsa")
	require.NoError(t, os.WriteFile(truncated, all[:len(all)-4], 0o644))
	shortSrc, err := base.NewFileStreamFactory(base.AbsolutePath(truncated))
	require.NoError(t, err)

	_, err = Open(shortSrc)
	assert.ErrorIs(t, err, ErrBadEntry)
}

func TestWriterRejectsMisplacedDX10(t *testing.T) {
	w, err := NewWriter(ContainerState{Format: FormatBSA})
	require.NoError(t, err)
	err = w.AddFile(FileState{Path: "t.dds", DX10: true}, bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrStateMismatch)
	var sink bytes.Buffer
	require.NoError(t, w.Build(&sink))
}

func TestWriterSingleUse(t *testing.T) {
	w, err := NewWriter(ContainerState{Format: FormatBSA})
	require.NoError(t, err)
	var sink bytes.Buffer
	require.NoError(t, w.Build(&sink))
	assert.ErrorIs(t, w.Build(&sink), ErrWriterFinished)
	assert.ErrorIs(t, w.AddFile(FileState{Path: "x"}, bytes.NewReader(nil)), ErrWriterFinished)
}
