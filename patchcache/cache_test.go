package patchcache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modlift/modlift/base"
)

func TestPutGetRoundTrip(t *testing.T) {
	cache, err := New(base.AbsolutePath(filepath.Join(t.TempDir(), DirName)))
	require.NoError(t, err)

	content := []byte("patched intermediate bytes")
	key := base.HashBytes(content)

	_, ok := cache.Get(key)
	assert.False(t, ok)

	require.NoError(t, cache.Put(key, content))
	got, ok := cache.Get(key)
	require.True(t, ok)
	assert.Equal(t, content, got)

	// Same key again is a no-op, not an error.
	require.NoError(t, cache.Put(key, content))
}

func TestClearAndSize(t *testing.T) {
	cache, err := New(base.AbsolutePath(filepath.Join(t.TempDir(), DirName)))
	require.NoError(t, err)

	require.NoError(t, cache.Put(base.HashBytes([]byte("a")), []byte("aaaa")))
	require.NoError(t, cache.Put(base.HashBytes([]byte("b")), []byte("bbbbbbbb")))

	size, err := cache.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(12), size)

	require.NoError(t, cache.Clear())
	size, err = cache.Size()
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestUnshardedLayout(t *testing.T) {
	cache, err := New(base.AbsolutePath(filepath.Join(t.TempDir(), DirName)), WithShardPrefixLen(0))
	require.NoError(t, err)
	key := base.HashBytes([]byte("unsharded"))
	require.NoError(t, cache.Put(key, []byte("x")))
	_, ok := cache.Get(key)
	assert.True(t, ok)
}
