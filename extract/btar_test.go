package extract_test

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modlift/modlift/base"
	"github.com/modlift/modlift/extract"
	"github.com/modlift/modlift/internal/testutil"
	"github.com/modlift/modlift/limits"
)

func newTestExtractor(t *testing.T, invoker extract.Invoker, tools extract.ToolSet) *extract.Extractor {
	t.Helper()
	pool := limits.NewResource("File Extractor", limits.Limits{MaxTasks: 4})
	t.Cleanup(pool.Close)
	temp, err := base.NewTempManager(base.AbsolutePath(t.TempDir()))
	require.NoError(t, err)
	if invoker == nil {
		invoker = extract.HostInvoker{}
	}
	return extract.NewExtractor(pool, temp, invoker, tools)
}

func readAll(t *testing.T, file extract.ExtractedFile) []byte {
	t.Helper()
	rc, err := file.Open()
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestBTARSingleEntry(t *testing.T) {
	// "BTAR", u16=1, u16=3, one entry (name="a/b.txt", payload="hello").
	stream := testutil.BuildBTAR(3, testutil.BTAREntry{Name: "a/b.txt", Data: []byte("hello")})
	e := newTestExtractor(t, nil, extract.ToolSet{})

	results, err := extract.GatheringExtract(context.Background(), e,
		base.NewMemoryStreamFactory("sample.btar", stream), extract.Request{},
		func(_ context.Context, _ base.RelativePath, file extract.ExtractedFile) (string, error) {
			return string(readAll(t, file)), nil
		})
	require.NoError(t, err)
	assert.Equal(t, map[base.RelativePath]string{"a/b.txt": "hello"}, results)
}

func TestBTARVersions(t *testing.T) {
	e := newTestExtractor(t, nil, extract.ToolSet{})
	identity := func(_ context.Context, _ base.RelativePath, file extract.ExtractedFile) ([]byte, error) {
		return readAll(t, file), nil
	}

	for _, minor := range []uint16{2, 3, 4} {
		stream := testutil.BuildBTAR(minor, testutil.BTAREntry{Name: "x", Data: []byte("y")})
		_, err := extract.GatheringExtract(context.Background(), e,
			base.NewMemoryStreamFactory("v.btar", stream), extract.Request{}, identity)
		assert.NoError(t, err, "minor %d", minor)
	}

	bad := testutil.BuildBTAR(5, testutil.BTAREntry{Name: "x", Data: []byte("y")})
	_, err := extract.GatheringExtract(context.Background(), e,
		base.NewMemoryStreamFactory("v.btar", bad), extract.Request{}, identity)
	assert.ErrorIs(t, err, extract.ErrMalformedBTAR)
}

func TestBTARRoundTripManyEntries(t *testing.T) {
	entries := []testutil.BTAREntry{
		{Name: "meshes/a.nif", Data: []byte("alpha")},
		{Name: "textures/b.dds", Data: []byte("beta")},
		{Name: "empty.bin", Data: nil},
		{Name: `weird\name.txt`, Data: []byte("backslash is data")},
	}
	stream := testutil.BuildBTAR(2, entries...)
	e := newTestExtractor(t, nil, extract.ToolSet{})

	results, err := extract.GatheringExtract(context.Background(), e,
		base.NewMemoryStreamFactory("many.btar", stream), extract.Request{},
		func(_ context.Context, _ base.RelativePath, file extract.ExtractedFile) ([]byte, error) {
			return readAll(t, file), nil
		})
	require.NoError(t, err)
	require.Len(t, results, len(entries))
	for _, entry := range entries {
		got := results[base.NewRelativePath(entry.Name)]
		if len(entry.Data) == 0 {
			assert.Empty(t, got, entry.Name)
		} else {
			assert.Equal(t, entry.Data, got, entry.Name)
		}
	}
}

func TestBTARShouldExtractSkips(t *testing.T) {
	stream := testutil.BuildBTAR(3,
		testutil.BTAREntry{Name: "keep.txt", Data: []byte("k")},
		testutil.BTAREntry{Name: "skip.txt", Data: []byte("s")},
	)
	e := newTestExtractor(t, nil, extract.ToolSet{})

	results, err := extract.GatheringExtract(context.Background(), e,
		base.NewMemoryStreamFactory("f.btar", stream),
		extract.Request{ShouldExtract: func(p base.RelativePath) bool { return p == "keep.txt" }},
		func(_ context.Context, _ base.RelativePath, file extract.ExtractedFile) ([]byte, error) {
			return readAll(t, file), nil
		})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results, base.RelativePath("keep.txt"))
}

func TestBTARTruncatedLengths(t *testing.T) {
	e := newTestExtractor(t, nil, extract.ToolSet{})
	identity := func(_ context.Context, _ base.RelativePath, file extract.ExtractedFile) ([]byte, error) {
		return readAll(t, file), nil
	}

	full := testutil.BuildBTAR(3, testutil.BTAREntry{Name: "a.txt", Data: []byte("0123456789")})

	t.Run("data length past EOF", func(t *testing.T) {
		_, err := extract.GatheringExtract(context.Background(), e,
			base.NewMemoryStreamFactory("t.btar", full[:len(full)-4]), extract.Request{}, identity)
		assert.ErrorIs(t, err, extract.ErrMalformedBTAR)
	})

	t.Run("name length past EOF", func(t *testing.T) {
		truncated := full[:10] // header + the name length field, no name bytes
		_, err := extract.GatheringExtract(context.Background(), e,
			base.NewMemoryStreamFactory("t.btar", truncated), extract.Request{}, identity)
		assert.ErrorIs(t, err, extract.ErrMalformedBTAR)
	})
}

func TestBTARMoveIsSingleUse(t *testing.T) {
	stream := testutil.BuildBTAR(3, testutil.BTAREntry{Name: "m.txt", Data: []byte("move me")})
	e := newTestExtractor(t, nil, extract.ToolSet{})
	dest := base.AbsolutePath(t.TempDir()).Join("moved.txt")

	_, err := extract.GatheringExtract(context.Background(), e,
		base.NewMemoryStreamFactory("m.btar", stream), extract.Request{},
		func(_ context.Context, _ base.RelativePath, file extract.ExtractedFile) (struct{}, error) {
			require.NoError(t, file.Move(dest))
			assert.ErrorIs(t, file.Move(dest), extract.ErrHandleConsumed)
			return struct{}{}, nil
		})
	require.NoError(t, err)

	data, err := io.ReadAll(mustOpen(t, dest))
	require.NoError(t, err)
	assert.Equal(t, []byte("move me"), data)
}
