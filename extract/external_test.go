package extract_test

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modlift/modlift/base"
	"github.com/modlift/modlift/extract"
)

func mustOpen(t *testing.T, path base.AbsolutePath) io.Reader {
	t.Helper()
	data, err := os.ReadFile(path.String())
	require.NoError(t, err)
	return bytes.NewReader(data)
}

// fakeZipInvoker stands in for the native archive tool: it honours the
// dispatcher's command shape, unpacks the source ZIP into the output
// directory, and emits percent lines on stdout.
type fakeZipInvoker struct {
	mu           sync.Mutex
	failuresLeft int
	runs         int
	patternFiles [][]string
	mangleNames  func(string) string
}

func (f *fakeZipInvoker) Translate(path base.AbsolutePath) string { return path.String() }

func (f *fakeZipInvoker) Run(_ context.Context, cmd extract.Command) (extract.Process, error) {
	f.mu.Lock()
	f.runs++
	fail := f.failuresLeft > 0
	if fail {
		f.failuresLeft--
	}
	f.mu.Unlock()

	if fail {
		return &fakeProcess{stdout: "", code: 2}, nil
	}

	var dest, source string
	var patterns []string
	for _, arg := range cmd.Args {
		switch {
		case strings.HasPrefix(arg, "-output="):
			dest = strings.TrimPrefix(arg, "-output=")
		case strings.HasPrefix(arg, "@"):
			lines, err := readPatterns(strings.TrimPrefix(arg, "@"))
			if err != nil {
				return nil, err
			}
			patterns = lines
		case strings.HasPrefix(arg, "-"), arg == "extract":
		default:
			source = arg
		}
	}
	f.mu.Lock()
	f.patternFiles = append(f.patternFiles, patterns)
	f.mu.Unlock()

	if err := f.unpack(source, dest, patterns); err != nil {
		return nil, err
	}
	return &fakeProcess{stdout: " 37% extracting\n100% done\n", code: 0}, nil
}

func (f *fakeZipInvoker) unpack(source, dest string, patterns []string) error {
	zr, err := zip.OpenReader(source)
	if err != nil {
		return err
	}
	defer zr.Close()

	match := func(name string) bool {
		if patterns == nil {
			return true
		}
		for _, p := range patterns {
			if strings.EqualFold(strings.ReplaceAll(p, "\\", "/"), name) {
				return true
			}
		}
		return false
	}

	for _, entry := range zr.File {
		if entry.FileInfo().IsDir() || !match(entry.Name) {
			continue
		}
		name := entry.Name
		if f.mangleNames != nil {
			name = f.mangleNames(name)
		}
		target := filepath.Join(dest, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := entry.Open()
		if err != nil {
			return err
		}
		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return err
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func readPatterns(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		unquoted, err := strconv.Unquote(line)
		if err != nil {
			return nil, fmt.Errorf("bad pattern line %q: %w", line, err)
		}
		out = append(out, unquoted)
	}
	return out, nil
}

type fakeProcess struct {
	stdout string
	code   int
}

func (p *fakeProcess) Stdout() io.Reader   { return strings.NewReader(p.stdout) }
func (p *fakeProcess) Stderr() io.Reader   { return strings.NewReader("") }
func (p *fakeProcess) Wait() (int, error)  { return p.code, nil }

func writeZipFile(t *testing.T, entries map[string][]byte) base.AbsolutePath {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "archive.zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return base.AbsolutePath(path)
}

func zipFactory(t *testing.T, path base.AbsolutePath) base.StreamFactory {
	t.Helper()
	src, err := base.NewFileStreamFactory(path)
	require.NoError(t, err)
	return src
}

func TestExternalExtractAll(t *testing.T) {
	archive := writeZipFile(t, map[string][]byte{
		"readme.txt":      []byte("hello"),
		"data/mod.esp":    []byte("plugin"),
		"meshes/a/b.nif":  []byte("mesh"),
	})
	invoker := &fakeZipInvoker{}
	e := newTestExtractor(t, invoker, extract.ToolSet{Archive: "/opt/tools/archiver"})

	var progress []extract.Percent
	results, err := extract.GatheringExtract(context.Background(), e, zipFactory(t, archive),
		extract.Request{Progress: func(p extract.Percent) { progress = append(progress, p) }},
		func(_ context.Context, _ base.RelativePath, file extract.ExtractedFile) ([]byte, error) {
			return readAll(t, file), nil
		})
	require.NoError(t, err)
	assert.Equal(t, map[base.RelativePath][]byte{
		"readme.txt":     []byte("hello"),
		"data/mod.esp":   []byte("plugin"),
		"meshes/a/b.nif": []byte("mesh"),
	}, results)
	assert.Equal(t, []extract.Percent{37, 100}, progress)
}

func TestExternalOnlyFilesWithCaseVariants(t *testing.T) {
	// The archive spells the directory lowercase; the request uses
	// title-case. The pattern file must carry both spellings and the
	// result must use the requested spelling, exactly once.
	archive := writeZipFile(t, map[string][]byte{
		"textures/a.dds": []byte("texture bytes"),
		"textures/b.dds": []byte("other"),
	})
	invoker := &fakeZipInvoker{}
	e := newTestExtractor(t, invoker, extract.ToolSet{Archive: "/opt/tools/archiver"})

	want := base.RelativePath("Textures/a.dds")
	results, err := extract.GatheringExtract(context.Background(), e, zipFactory(t, archive),
		extract.Request{OnlyFiles: map[base.RelativePath]struct{}{want: {}}},
		func(_ context.Context, _ base.RelativePath, file extract.ExtractedFile) ([]byte, error) {
			return readAll(t, file), nil
		})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []byte("texture bytes"), results[want])

	require.NotEmpty(t, invoker.patternFiles)
	patterns := invoker.patternFiles[0]
	assert.Contains(t, patterns, "Textures/a.dds")
	assert.Contains(t, patterns, "textures/a.dds")
	assert.Contains(t, patterns, `Textures\a.dds`)
	assert.Contains(t, patterns, `\textures\a.dds`)
}

func TestExternalRetriesThenSucceeds(t *testing.T) {
	archive := writeZipFile(t, map[string][]byte{"f.txt": []byte("ok")})
	invoker := &fakeZipInvoker{failuresLeft: 2}
	e := newTestExtractor(t, invoker, extract.ToolSet{Archive: "/opt/tools/archiver"})

	results, err := extract.GatheringExtract(context.Background(), e, zipFactory(t, archive),
		extract.Request{},
		func(_ context.Context, _ base.RelativePath, file extract.ExtractedFile) ([]byte, error) {
			return readAll(t, file), nil
		})
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, 3, invoker.runs)
}

func TestExternalPersistentFailure(t *testing.T) {
	archive := writeZipFile(t, map[string][]byte{"f.txt": []byte("ok")})
	invoker := &fakeZipInvoker{failuresLeft: 99}
	e := newTestExtractor(t, invoker, extract.ToolSet{Archive: "/opt/tools/archiver"})

	_, err := extract.GatheringExtract(context.Background(), e, zipFactory(t, archive),
		extract.Request{},
		func(_ context.Context, _ base.RelativePath, file extract.ExtractedFile) ([]byte, error) {
			return readAll(t, file), nil
		})
	assert.ErrorIs(t, err, extract.ErrToolFailed)
	assert.Equal(t, 3, invoker.runs)
}

func TestExternalMissingEntriesReported(t *testing.T) {
	archive := writeZipFile(t, map[string][]byte{"present.txt": []byte("x")})
	invoker := &fakeZipInvoker{}
	e := newTestExtractor(t, invoker, extract.ToolSet{Archive: "/opt/tools/archiver"})

	_, err := extract.GatheringExtract(context.Background(), e, zipFactory(t, archive),
		extract.Request{OnlyFiles: map[base.RelativePath]struct{}{
			"present.txt": {},
			"absent.txt":  {},
		}},
		func(_ context.Context, _ base.RelativePath, file extract.ExtractedFile) ([]byte, error) {
			return readAll(t, file), nil
		})
	require.ErrorIs(t, err, extract.ErrEntriesMissing)
	assert.Contains(t, err.Error(), "absent.txt")
}

func TestExternalBackslashNamesRepaired(t *testing.T) {
	archive := writeZipFile(t, map[string][]byte{"flat.txt": []byte("nested bytes")})
	invoker := &fakeZipInvoker{mangleNames: func(string) string { return `meshes\deep\flat.txt` }}
	e := newTestExtractor(t, invoker, extract.ToolSet{Archive: "/opt/tools/archiver"})

	results, err := extract.GatheringExtract(context.Background(), e, zipFactory(t, archive),
		extract.Request{},
		func(_ context.Context, path base.RelativePath, file extract.ExtractedFile) ([]byte, error) {
			assert.NotContains(t, path.Base(), `\`)
			return readAll(t, file), nil
		})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []byte("nested bytes"), results["meshes/deep/flat.txt"])
}

func TestUnknownFormatRejected(t *testing.T) {
	e := newTestExtractor(t, nil, extract.ToolSet{})
	_, err := extract.GatheringExtract(context.Background(), e,
		base.NewMemoryStreamFactory("notes.txt", []byte("just some text")), extract.Request{},
		func(_ context.Context, _ base.RelativePath, file extract.ExtractedFile) ([]byte, error) {
			return readAll(t, file), nil
		})
	assert.ErrorIs(t, err, extract.ErrInvalidFormat)
}
