// Package hashcache is the persistent path-to-fingerprint store. A cached
// row is trusted only while the file's size and mtime still match; any
// drift invalidates it and the hash is recomputed.
package hashcache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/modlift/modlift/base"
	"github.com/modlift/modlift/limits"
)

// FileName is the on-disk database name under the engine data directory.
const FileName = "GlobalHashCache2"

var bucketHashes = []byte("hashes")

// record layout: size, mtimeNs, hash — three little-endian 64-bit values.
const recordSize = 24

// Cache is the bbolt-backed hash store. Safe for concurrent use; disjoint
// paths hash in parallel up to the File Hashing resource limit.
type Cache struct {
	db     *bolt.DB
	pool   *limits.Resource
	logger *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger. If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// Open opens or creates the database at path. The pool gates concurrent
// hash computations.
func Open(path base.AbsolutePath, pool *limits.Resource, opts ...Option) (*Cache, error) {
	db, err := bolt.Open(path.String(), 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open hash cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, berr := tx.CreateBucketIfNotExists(bucketHashes)
		return berr
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init hash cache: %w", err)
	}
	c := &Cache{db: db, pool: pool}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Cache) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Lookup returns the cached hash for path when the stored size and mtime
// still match the file on disk. Zero-hash rows are purged and reported as
// misses.
func (c *Cache) Lookup(path base.AbsolutePath) (base.Hash, bool, error) {
	info, err := os.Stat(path.String())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}

	var size, mtime int64
	var hash base.Hash
	err = c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketHashes).Get([]byte(path))
		if len(raw) != recordSize {
			return nil
		}
		size = int64(binary.LittleEndian.Uint64(raw[0:8]))
		mtime = int64(binary.LittleEndian.Uint64(raw[8:16]))
		hash = base.Hash(binary.LittleEndian.Uint64(raw[16:24]))
		return nil
	})
	if err != nil {
		return 0, false, err
	}

	if !hash.IsValid() {
		if size != 0 || mtime != 0 {
			c.log().Debug("purging zero-hash row", "path", path)
			if perr := c.Purge(path); perr != nil {
				return 0, false, perr
			}
		}
		return 0, false, nil
	}
	if size != info.Size() || mtime != info.ModTime().UnixNano() {
		return 0, false, nil
	}
	return hash, true, nil
}

// ComputeOrCache returns the cached hash when valid, otherwise streams the
// file through the fingerprint and stores the fresh triple.
func (c *Cache) ComputeOrCache(ctx context.Context, path base.AbsolutePath) (base.Hash, error) {
	if hash, ok, err := c.Lookup(path); err != nil {
		return 0, err
	} else if ok {
		return hash, nil
	}

	info, err := os.Stat(path.String())
	if err != nil {
		return 0, err
	}

	job, err := c.pool.Begin(ctx, "hashing "+path.Base(), info.Size())
	if err != nil {
		return 0, err
	}
	defer c.pool.Finish(job)

	hash, err := c.hashFile(ctx, path, job)
	if err != nil {
		return 0, err
	}
	if err := c.put(path, info.Size(), info.ModTime().UnixNano(), hash); err != nil {
		return 0, err
	}
	return hash, nil
}

// hashFile streams the file through the fingerprint, reporting progress to
// the pool chunk by chunk.
func (c *Cache) hashFile(ctx context.Context, path base.AbsolutePath, job *limits.Job) (base.Hash, error) {
	f, err := os.Open(path.String())
	if err != nil {
		return 0, err
	}
	defer f.Close()

	hasher := base.NewHasher()
	buf := make([]byte, 32*1024)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			_, _ = hasher.Write(buf[:n]) //nolint:errcheck // hasher writes never fail
			if err := c.pool.Report(ctx, job, int64(n)); err != nil {
				return 0, err
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return 0, rerr
		}
	}

	hash := hasher.Sum()
	if !hash.IsValid() {
		return 0, base.ErrZeroHash
	}
	return hash, nil
}

// Write force-inserts a hash for a file produced by means that already know
// its digest. The file must exist; its current size and mtime key the row.
func (c *Cache) Write(path base.AbsolutePath, hash base.Hash) error {
	if !hash.IsValid() {
		return base.ErrZeroHash
	}
	info, err := os.Stat(path.String())
	if err != nil {
		return err
	}
	return c.put(path, info.Size(), info.ModTime().UnixNano(), hash)
}

// Purge drops the row for path.
func (c *Cache) Purge(path base.AbsolutePath) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHashes).Delete([]byte(path))
	})
}

func (c *Cache) put(path base.AbsolutePath, size, mtimeNs int64, hash base.Hash) error {
	var raw [recordSize]byte
	binary.LittleEndian.PutUint64(raw[0:8], uint64(size))
	binary.LittleEndian.PutUint64(raw[8:16], uint64(mtimeNs))
	binary.LittleEndian.PutUint64(raw[16:24], uint64(hash))
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHashes).Put([]byte(path), raw[:])
	})
}
