package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modlift/modlift/base"
	"github.com/modlift/modlift/modlist"
)

// rangeServer serves content honouring single-range requests.
func rangeServer(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			_, _ = w.Write(content)
			return
		}
		spec := strings.TrimPrefix(rng, "bytes=")
		parts := strings.SplitN(spec, "-", 2)
		start, err := strconv.Atoi(parts[0])
		require.NoError(t, err)
		end := len(content) - 1
		if parts[1] != "" {
			end, err = strconv.Atoi(parts[1])
			require.NoError(t, err)
		}
		if start >= len(content) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if end >= len(content) {
			end = len(content) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(content[start : end+1])
	}))
}

func TestSourceReadAt(t *testing.T) {
	content := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	server := rangeServer(t, content)
	defer server.Close()

	src, err := NewSource(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), src.Size())

	buf := make([]byte, 10)
	n, err := src.ReadAt(buf, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, []byte("abcdefghij"), buf)
}

func TestSourceReadAtTail(t *testing.T) {
	content := []byte("0123456789")
	server := rangeServer(t, content)
	defer server.Close()

	src, err := NewSource(context.Background(), server.URL)
	require.NoError(t, err)

	buf := make([]byte, 8)
	n, err := src.ReadAt(buf, 6)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte("6789"), buf[:4])

	_, err = src.ReadAt(buf, 100)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSourceRejectsNoRangeSupport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("full body only"))
	}))
	defer server.Close()

	_, err := NewSource(context.Background(), server.URL)
	assert.ErrorIs(t, err, ErrRangeUnsupported)
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{"valid", "bytes 0-0/1234", 1234, false},
		{"spaces", "  bytes 5-9/100  ", 100, false},
		{"star size", "bytes 0-0/*", 0, true},
		{"missing prefix", "0-0/10", 0, true},
		{"garbage", "bytes x", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseContentRange(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVerifyCachesResult(t *testing.T) {
	var heads atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			heads.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	vcache, err := OpenVerificationCache(
		base.AbsolutePath(filepath.Join(t.TempDir(), VerificationCacheName)), 0)
	require.NoError(t, err)
	defer vcache.Close()

	d := newTestDispatcher(t, WithVerificationCache(vcache))
	archive := archiveFor([]byte("x"), modlist.HTTPState{URL: server.URL})

	valid, err := d.Verify(context.Background(), archive)
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, int32(1), heads.Load())

	// The second check answers from the TTL cache.
	valid, err = d.Verify(context.Background(), archive)
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, int32(1), heads.Load())
}

func TestVerifyGoneSourceInvalid(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	d := newTestDispatcher(t)
	valid, err := d.Verify(context.Background(),
		archiveFor([]byte("x"), modlist.HTTPState{URL: server.URL}))
	require.NoError(t, err)
	assert.False(t, valid)

	// Non-addressable states verify trivially.
	valid, err = d.Verify(context.Background(),
		archiveFor([]byte("x"), modlist.ManualState{URL: "https://a.example/m"}))
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestVerificationCacheTTL(t *testing.T) {
	cache, err := OpenVerificationCache(
		base.AbsolutePath(filepath.Join(t.TempDir(), VerificationCacheName)), 0)
	require.NoError(t, err)
	defer cache.Close()

	valid, fresh, err := cache.Get("key")
	require.NoError(t, err)
	assert.False(t, valid)
	assert.False(t, fresh)

	require.NoError(t, cache.Put("key", true))
	valid, fresh, err = cache.Get("key")
	require.NoError(t, err)
	assert.True(t, valid)
	assert.True(t, fresh)

	require.NoError(t, cache.Put("bad", false))
	valid, fresh, err = cache.Get("bad")
	require.NoError(t, err)
	assert.False(t, valid)
	assert.True(t, fresh)
}
