// Package extract is the polymorphic archive reader: it recognises a
// container format by signature, picks the matching backend (in-process
// BTAR/BSA/OMOD readers or the external native tool), and yields a uniform
// stream of named, extractable entries to a caller-supplied mapper.
package extract

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/modlift/modlift/base"
	"github.com/modlift/modlift/limits"
)

// Percent is a 0..100 progress value.
type Percent float64

// ExtractedFile is an opaque handle over one entry inside some archive.
// Handles never outlive the GatheringExtract call that produced them;
// Move consumes the handle and transfers ownership of the bytes.
type ExtractedFile interface {
	Name() base.RelativePath
	Size() int64
	ModTime() time.Time
	// Open streams the entry bytes.
	Open() (io.ReadCloser, error)
	// Move materialises the entry at dst, consuming the handle. The write
	// is atomic: a scratch file in dst's directory renamed into place.
	Move(dst base.AbsolutePath) error
}

// ToolSet names the external binaries the dispatcher may invoke.
type ToolSet struct {
	// Archive handles ZIP, 7Z and RAR.
	Archive base.AbsolutePath
	// ArchiveFallback is an alternate archive backend with different
	// filename-encoding assumptions, used once when the primary delivers
	// fewer entries than requested.
	ArchiveFallback base.AbsolutePath
	// Payload unpacks installer-payload executables.
	Payload base.AbsolutePath
}

// Extractor dispatches archives to per-format backends.
type Extractor struct {
	pool    *limits.Resource
	temp    *base.TempManager
	invoker Invoker
	tools   ToolSet
	// caseRoots are the well-known directory roots that get case-variant
	// patterns in external-tool pattern files.
	caseRoots []string
	logger    *slog.Logger
}

// DefaultCaseRoots are the directory roots enumerated in case variants for
// external-tool pattern files.
var DefaultCaseRoots = []string{"textures", "meshes", "sounds", "music", "scripts", "interface"}

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// WithExtractorLogger sets the logger. If not set, logging is disabled.
func WithExtractorLogger(logger *slog.Logger) ExtractorOption {
	return func(e *Extractor) {
		e.logger = logger
	}
}

// WithCaseRoots overrides the case-variant directory roots.
func WithCaseRoots(roots []string) ExtractorOption {
	return func(e *Extractor) {
		e.caseRoots = roots
	}
}

// NewExtractor creates a dispatcher. The pool gates concurrent
// extractions; temp provides scoped destination directories.
func NewExtractor(pool *limits.Resource, temp *base.TempManager, invoker Invoker, tools ToolSet, opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		pool:      pool,
		temp:      temp,
		invoker:   invoker,
		tools:     tools,
		caseRoots: DefaultCaseRoots,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Extractor) log() *slog.Logger {
	if e.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.logger
}

// Request carries the optional parameters of a gathering extract.
type Request struct {
	// ShouldExtract filters entries; nil extracts everything.
	ShouldExtract func(base.RelativePath) bool
	// OnlyFiles, when non-nil, is the exact set of entries the backend
	// must deliver. A count mismatch after the encoding fallback is fatal.
	OnlyFiles map[base.RelativePath]struct{}
	// Progress receives coarse percent updates.
	Progress func(Percent)
}

// GatheringExtract opens the source, recognises its format, and feeds each
// selected entry to mapFn in the archive's own order (sorted by path for
// archives unpacked by the native tool). The result maps
// entry paths to mapFn results.
func GatheringExtract[T any](ctx context.Context, e *Extractor, src base.StreamFactory, req Request, mapFn MapFunc[T]) (map[base.RelativePath]T, error) {
	stream, err := src.Open()
	if err != nil {
		return nil, err
	}
	kind, err := base.DetectFileType(stream)
	closeErr := stream.Close()
	if err != nil {
		return nil, err
	}
	if closeErr != nil {
		return nil, closeErr
	}

	should := req.ShouldExtract
	if should == nil {
		should = func(base.RelativePath) bool { return true }
	}
	if req.OnlyFiles != nil {
		inner := should
		should = func(p base.RelativePath) bool {
			if _, ok := req.OnlyFiles[p]; !ok {
				return false
			}
			return inner(p)
		}
	}

	sink := &gatherSink[T]{mapFn: mapFn, should: should, results: make(map[base.RelativePath]T)}

	// Nested extractions (archives inside archives) run inside a mapper
	// that already holds a task slot; acquiring again would deadlock the
	// pool, so only the outermost call takes a ticket.
	var job *limits.Job
	if ctx.Value(extractingKey{}) == nil {
		job, err = e.pool.Begin(ctx, "extracting "+string(src.Name()), src.Size())
		if err != nil {
			return nil, err
		}
		defer e.pool.Finish(job)
		ctx = context.WithValue(ctx, extractingKey{}, struct{}{})
	}

	ext := src.Name().Extension()
	switch {
	case ext == ".omod":
		err = e.extractOMOD(ctx, src, sink)
	case kind == base.FileTypeBTAR:
		err = e.extractBTAR(ctx, src, sink)
	case kind == base.FileTypeBSA, kind == base.FileTypeBA2,
		kind == base.FileTypeTES3 && ext == ".bsa":
		err = e.extractContainer(ctx, src, sink)
	case kind == base.FileTypeZIP, kind == base.FileType7Z,
		kind == base.FileTypeRAROld, kind == base.FileTypeRARNew:
		err = e.extractExternal(ctx, src, req, sink, e.tools.Archive, job)
	case kind == base.FileTypeEXE:
		err = e.extractExternal(ctx, src, req, sink, e.tools.Payload, job)
	default:
		return nil, fmt.Errorf("%w: %s (%s)", ErrInvalidFormat, src.Name(), kind)
	}
	if err != nil {
		return nil, err
	}

	if req.OnlyFiles != nil && len(sink.results) != len(req.OnlyFiles) {
		return nil, e.missingEntriesError(req.OnlyFiles, sink.keys())
	}
	return sink.results, nil
}

// extractingKey marks a context already inside a gathering extract.
type extractingKey struct{}

// MapFunc turns one extracted entry into the caller's result. The context
// carries the extraction's task slot; nested GatheringExtract calls made
// from inside a mapper must pass it on so they do not take a second slot.
type MapFunc[T any] func(ctx context.Context, path base.RelativePath, file ExtractedFile) (T, error)

// gatherSink accumulates mapper results for one extraction.
type gatherSink[T any] struct {
	mapFn   MapFunc[T]
	should  func(base.RelativePath) bool
	results map[base.RelativePath]T
}

func (s *gatherSink[T]) want(path base.RelativePath) bool {
	return s.should(path)
}

func (s *gatherSink[T]) consume(ctx context.Context, path base.RelativePath, file ExtractedFile) error {
	result, err := s.mapFn(ctx, path, file)
	if err != nil {
		return fmt.Errorf("map %s: %w", path, err)
	}
	s.results[path] = result
	return nil
}

func (s *gatherSink[T]) keys() []base.RelativePath {
	out := make([]base.RelativePath, 0, len(s.results))
	for k := range s.results {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// missingEntriesError details which requested entries never materialised.
func (e *Extractor) missingEntriesError(wanted map[base.RelativePath]struct{}, got []base.RelativePath) error {
	have := make(map[base.RelativePath]struct{}, len(got))
	for _, p := range got {
		have[p] = struct{}{}
	}
	missing := make([]string, 0)
	for p := range wanted {
		if _, ok := have[p]; !ok {
			missing = append(missing, p.String())
		}
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: missing %v", ErrEntriesMissing, missing)
}

// sinkConsumer is the narrow interface backends feed entries into.
type sinkConsumer interface {
	want(base.RelativePath) bool
	consume(ctx context.Context, path base.RelativePath, file ExtractedFile) error
}

// onDisk returns a path for src on the local filesystem, spilling the
// stream to scratch when the factory is not file-backed. The cleanup
// function removes any scratch file.
func (e *Extractor) onDisk(src base.StreamFactory) (base.AbsolutePath, func(), error) {
	if f, ok := src.(*base.FileStreamFactory); ok {
		return f.Path(), func() {}, nil
	}
	folder, err := e.temp.NewFolder("spill")
	if err != nil {
		return "", nil, err
	}
	dst := folder.Path().Join(src.Name().Base())
	in, err := src.Open()
	if err != nil {
		_ = folder.Close()
		return "", nil, err
	}
	defer in.Close()
	out, err := os.Create(dst.String())
	if err != nil {
		_ = folder.Close()
		return "", nil, err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = folder.Close()
		return "", nil, err
	}
	if err := out.Close(); err != nil {
		_ = folder.Close()
		return "", nil, err
	}
	return dst, func() { _ = folder.Close() }, nil
}
