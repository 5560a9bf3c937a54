// Package patchcache provides the disk-backed staging area for binary
// patch intermediates: concatenated merge inputs and applied patch
// outputs, keyed by content hash so repeated installs reuse them.
package patchcache

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/modlift/modlift/base"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
)

// DirName is the cache directory name under the engine data directory.
const DirName = "PatchCache"

// Cache stores patch intermediates on the local filesystem, sharded by the
// leading characters of the key. Writes publish atomically via a temp file
// renamed into place.
type Cache struct {
	dir            string
	shardPrefixLen int
	dirPerm        os.FileMode
}

// Option configures a Cache.
type Option func(*Cache)

// WithShardPrefixLen sets the number of key characters used for sharding.
// Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(c *Cache) {
		c.shardPrefixLen = n
	}
}

// WithDirPerm sets the directory permissions used for cache directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(c *Cache) {
		c.dirPerm = mode
	}
}

// New creates a cache rooted at dir.
func New(dir base.AbsolutePath, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("patch cache dir is empty")
	}
	c := &Cache{
		dir:            dir.String(),
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.shardPrefixLen < 0 {
		return nil, errors.New("shard prefix length must be >= 0")
	}
	if err := os.MkdirAll(c.dir, c.dirPerm); err != nil {
		return nil, err
	}
	return c, nil
}

// Get retrieves the intermediate stored under the content hash.
func (c *Cache) Get(hash base.Hash) ([]byte, bool) {
	data, err := os.ReadFile(c.path(hash)) //nolint:gosec // path is derived from hash, not user input
	if err != nil {
		return nil, false
	}
	return data, true
}

// Put stores an intermediate under its content hash. An existing entry is
// left untouched; content under the same hash is interchangeable.
func (c *Cache) Put(hash base.Hash, content []byte) error {
	path := c.path(hash)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "patch-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			_ = os.Remove(tmpPath)
			return nil
		}
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// Clear deletes every stored intermediate.
func (c *Cache) Clear() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(c.dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Size sums the bytes currently stored.
func (c *Cache) Size() (int64, error) {
	var total int64
	err := filepath.Walk(c.dir, func(_ string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// path shards entries by the leading characters of the encoded hash.
func (c *Cache) path(hash base.Hash) string {
	key := filepath.Base(filepath.Clean(encodeKey(hash)))
	if c.shardPrefixLen > 0 && len(key) > c.shardPrefixLen {
		return filepath.Join(c.dir, key[:c.shardPrefixLen], key)
	}
	return filepath.Join(c.dir, key)
}

// encodeKey renders the hash filesystem-safe; the base64 form can carry
// '/' and '+'.
func encodeKey(hash base.Hash) string {
	const hexdigits = "0123456789abcdef"
	v := uint64(hash)
	out := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		out[i] = hexdigits[v&0xf]
		v >>= 4
	}
	return string(out)
}
