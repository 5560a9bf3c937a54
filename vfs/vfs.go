// Package vfs maintains the content-addressed index of files inside
// downloaded archives, nested archives included, so the installer can
// answer "which (archive, inner-path) holds hash H?" without re-extracting
// anything. Per-archive indexes persist on disk keyed by the outer
// archive's hash.
package vfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"

	"github.com/modlift/modlift/base"
	"github.com/modlift/modlift/extract"
	"github.com/modlift/modlift/hashcache"
	"github.com/modlift/modlift/limits"
)

// CacheName is the on-disk database name under the engine data directory.
const CacheName = "GlobalVFSCache5"

// MaxNestingDepth bounds recursion into archives inside archives.
const MaxNestingDepth = 3

// NestedSeparator joins inner paths across nesting levels.
const NestedSeparator = "|"

var bucketIndexes = []byte("indexes")

// ErrArchivesMissing reports archives referenced by directives but absent
// from the downloads directory.
var ErrArchivesMissing = errors.New("archives missing from downloads")

// ErrEntriesMissing reports directive entries that are not present in any
// indexed archive.
var ErrEntriesMissing = errors.New("directive entries missing from indexed archives")

// Location answers a hash lookup: the outer archive and the inner path to
// extract. Nesting levels in InnerPath join with NestedSeparator.
type Location struct {
	ArchiveHash base.Hash
	InnerPath   base.RelativePath
	Size        int64
}

// indexedFile is the persisted per-entry record. Children are the entries
// of a nested archive.
type indexedFile struct {
	Path     base.RelativePath `json:"path"`
	Hash     base.Hash         `json:"hash"`
	Size     int64             `json:"size"`
	Children []indexedFile     `json:"children,omitempty"`
}

// Index is the virtual file system. Safe for concurrent use.
type Index struct {
	db        *bolt.DB
	pool      *limits.Resource
	extractor *extract.Extractor
	hashes    *hashcache.Cache
	logger    *slog.Logger

	mu         sync.RWMutex
	byHash     map[base.Hash][]Location
	byLocation map[base.Hash]map[base.RelativePath]struct{}
	indexed    map[base.Hash]struct{}
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger. If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Index) {
		i.logger = logger
	}
}

// Open opens or creates the persistent index at path. The pool gates
// concurrent archive indexing.
func Open(path base.AbsolutePath, pool *limits.Resource, extractor *extract.Extractor, hashes *hashcache.Cache, opts ...Option) (*Index, error) {
	db, err := bolt.Open(path.String(), 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open vfs cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, berr := tx.CreateBucketIfNotExists(bucketIndexes)
		return berr
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init vfs cache: %w", err)
	}
	i := &Index{
		db:         db,
		pool:       pool,
		extractor:  extractor,
		hashes:     hashes,
		byHash:     make(map[base.Hash][]Location),
		byLocation: make(map[base.Hash]map[base.RelativePath]struct{}),
		indexed:    make(map[base.Hash]struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

func (i *Index) log() *slog.Logger {
	if i.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return i.logger
}

// Close closes the underlying database.
func (i *Index) Close() error { return i.db.Close() }

// Lookup returns every known location of the given content hash.
func (i *Index) Lookup(hash base.Hash) []Location {
	i.mu.RLock()
	defer i.mu.RUnlock()
	locs := i.byHash[hash]
	out := make([]Location, len(locs))
	copy(out, locs)
	return out
}

// Resolve maps a directive's source-archive hash to the indexed outer
// archive holding it. A hash naming a downloaded archive resolves to
// itself with an empty inner prefix; a hash naming an archive nested
// inside a download resolves to that download plus the prefix leading to
// the nested archive.
func (i *Index) Resolve(archiveHash base.Hash) (Location, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if _, ok := i.indexed[archiveHash]; ok {
		return Location{ArchiveHash: archiveHash}, true
	}
	if locs := i.byHash[archiveHash]; len(locs) > 0 {
		return locs[0], true
	}
	return Location{}, false
}

// Contains reports whether the indexed outer archive holds an entry at the
// flattened inner path.
func (i *Index) Contains(archiveHash base.Hash, inner base.RelativePath) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.byLocation[archiveHash][inner]
	return ok
}

// AddArchive ensures the archive at path is indexed and its entries are
// resolvable. The on-disk cache row is trusted only because the key is the
// file's current content hash, which the hash cache revalidates by size
// and mtime.
func (i *Index) AddArchive(ctx context.Context, path base.AbsolutePath) error {
	outerHash, err := i.hashes.ComputeOrCache(ctx, path)
	if err != nil {
		return err
	}

	i.mu.RLock()
	_, known := i.indexed[outerHash]
	i.mu.RUnlock()
	if known {
		return nil
	}

	entries, ok, err := i.loadCached(outerHash)
	if err != nil {
		return err
	}
	if !ok {
		job, err := i.pool.Begin(ctx, "indexing "+path.Base(), 0)
		if err != nil {
			return err
		}
		src, ferr := base.NewFileStreamFactory(path)
		if ferr != nil {
			i.pool.Finish(job)
			return ferr
		}
		entries, ferr = i.indexArchive(ctx, src, 1)
		i.pool.Finish(job)
		if ferr != nil {
			return ferr
		}
		if err := i.storeCached(outerHash, entries); err != nil {
			return err
		}
		i.log().Debug("archive indexed", "archive", path.Base(), "entries", len(entries))
	}

	i.mu.Lock()
	i.mergeLocked(outerHash, "", entries)
	i.indexed[outerHash] = struct{}{}
	i.mu.Unlock()
	return nil
}

// indexArchive walks one archive, recursing into nested archives up to the
// depth bound.
func (i *Index) indexArchive(ctx context.Context, src base.StreamFactory, depth int) ([]indexedFile, error) {
	results, err := extract.GatheringExtract(ctx, i.extractor, src, extract.Request{},
		func(ctx context.Context, path base.RelativePath, file extract.ExtractedFile) (indexedFile, error) {
			rc, err := file.Open()
			if err != nil {
				return indexedFile{}, err
			}
			data, err := io.ReadAll(rc)
			_ = rc.Close()
			if err != nil {
				return indexedFile{}, err
			}

			entry := indexedFile{Path: path, Hash: base.HashBytes(data), Size: int64(len(data))}
			if depth < MaxNestingDepth && looksLikeArchive(path, data) {
				children, cerr := i.indexArchive(ctx, base.NewMemoryStreamFactory(path, data), depth+1)
				if cerr != nil {
					// An inner file that merely resembles an archive is
					// indexed as a plain entry.
					i.log().Debug("nested archive unreadable", "path", path, "error", cerr)
				} else {
					entry.Children = children
				}
			}
			return entry, nil
		})
	if err != nil {
		return nil, err
	}

	out := make([]indexedFile, 0, len(results))
	for _, entry := range results {
		out = append(out, entry)
	}
	return out, nil
}

// mergeLocked folds one archive's entries into the lookup table. Nested
// entries flatten with the separator.
func (i *Index) mergeLocked(archiveHash base.Hash, prefix base.RelativePath, entries []indexedFile) {
	for _, entry := range entries {
		inner := entry.Path
		if prefix != "" {
			inner = base.RelativePath(prefix.String() + NestedSeparator + entry.Path.String())
		}
		i.byHash[entry.Hash] = append(i.byHash[entry.Hash], Location{
			ArchiveHash: archiveHash,
			InnerPath:   inner,
			Size:        entry.Size,
		})
		if i.byLocation[archiveHash] == nil {
			i.byLocation[archiveHash] = make(map[base.RelativePath]struct{})
		}
		i.byLocation[archiveHash][inner] = struct{}{}
		if len(entry.Children) > 0 {
			i.mergeLocked(archiveHash, inner, entry.Children)
		}
	}
}

// loadCached reads a persisted archive index.
func (i *Index) loadCached(hash base.Hash) ([]indexedFile, bool, error) {
	var raw []byte
	err := i.db.View(func(tx *bolt.Tx) error {
		stored := tx.Bucket(bucketIndexes).Get([]byte(hash.String()))
		if stored != nil {
			raw = make([]byte, len(stored))
			copy(raw, stored)
		}
		return nil
	})
	if err != nil || raw == nil {
		return nil, false, err
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, false, err
	}
	defer dec.Close()
	plain, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, false, fmt.Errorf("vfs cache row for %s: %w", hash, err)
	}
	var entries []indexedFile
	if err := json.Unmarshal(plain, &entries); err != nil {
		return nil, false, fmt.Errorf("vfs cache row for %s: %w", hash, err)
	}
	return entries, true, nil
}

// storeCached persists one archive index, zstd-compressed.
func (i *Index) storeCached(hash base.Hash, entries []indexedFile) error {
	plain, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return err
	}
	raw := enc.EncodeAll(plain, nil)
	_ = enc.Close()
	return i.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIndexes).Put([]byte(hash.String()), raw)
	})
}

// Need is one (archive, inner-path) pair referenced by a directive.
type Need struct {
	ArchiveHash base.Hash
	InnerPath   base.RelativePath
}

// Prime indexes every archive in the downloads directory, then confirms
// each needed (archive, inner-path) pair is represented. A source-archive
// hash may name a download or an archive nested inside one; either way it
// must resolve before any extraction is attempted. Missing archives and
// missing entries are reported together, each under its own sentinel.
func (i *Index) Prime(ctx context.Context, needs []Need, archives map[base.Hash]base.AbsolutePath) error {
	eg, egCtx := errgroup.WithContext(ctx)
	for _, path := range archives {
		eg.Go(func() error {
			err := i.AddArchive(egCtx, path)
			if errors.Is(err, extract.ErrInvalidFormat) {
				// Downloads also hold plain files; only archives index.
				i.log().Debug("skipping non-archive download", "path", path.Base())
				return nil
			}
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	var missingArchives []base.Hash
	var missingEntries []string
	seenArchives := make(map[base.Hash]struct{})
	for _, need := range needs {
		loc, ok := i.Resolve(need.ArchiveHash)
		if !ok {
			if _, dup := seenArchives[need.ArchiveHash]; !dup {
				seenArchives[need.ArchiveHash] = struct{}{}
				missingArchives = append(missingArchives, need.ArchiveHash)
			}
			continue
		}
		inner := need.InnerPath
		if loc.InnerPath != "" {
			inner = base.RelativePath(loc.InnerPath.String() + NestedSeparator + inner.String())
		}
		if !i.Contains(loc.ArchiveHash, inner) {
			missingEntries = append(missingEntries, fmt.Sprintf("%s in %s", need.InnerPath, need.ArchiveHash))
		}
	}
	var errs []error
	if len(missingArchives) > 0 {
		errs = append(errs, fmt.Errorf("%w: %v", ErrArchivesMissing, missingArchives))
	}
	if len(missingEntries) > 0 {
		errs = append(errs, fmt.Errorf("%w: %v", ErrEntriesMissing, missingEntries))
	}
	return errors.Join(errs...)
}

// looksLikeArchive gates nested recursion by signature.
func looksLikeArchive(path base.RelativePath, data []byte) bool {
	src := base.NewMemoryStreamFactory(path, data)
	stream, err := src.Open()
	if err != nil {
		return false
	}
	defer stream.Close()
	kind, err := base.DetectFileType(stream)
	if err != nil {
		return false
	}
	switch kind {
	case base.FileTypeZIP, base.FileType7Z, base.FileTypeRAROld, base.FileTypeRARNew,
		base.FileTypeBSA, base.FileTypeBA2, base.FileTypeBTAR:
		return true
	case base.FileTypeTES3:
		return path.Extension() == ".bsa"
	default:
		return false
	}
}
