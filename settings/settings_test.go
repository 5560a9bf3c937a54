package settings

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modlift/modlift/limits"
)

func TestLoadDefaults(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)

	cpus := runtime.NumCPU()
	for _, l := range []limits.Limits{s.Downloads, s.WebRequests, s.VFS, s.FileHashing, s.FileExtractor, s.Installer} {
		assert.Equal(t, cpus, l.MaxTasks)
		assert.Equal(t, limits.Unbounded, l.MaxThroughput)
	}
	assert.Equal(t, time.Hour, s.HTTPTimeout)
	assert.Equal(t, 24*time.Hour, s.VerificationTTL)
	assert.NotEmpty(t, s.DataDir)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	content := `
downloads:
  max_tasks: 2
  max_throughput: 1048576
http_timeout: 10m
data_dir: /tmp/modlift-test
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Downloads.MaxTasks)
	assert.Equal(t, int64(1048576), s.Downloads.MaxThroughput)
	assert.Equal(t, 10*time.Minute, s.HTTPTimeout)
	assert.Equal(t, "/tmp/modlift-test", s.DataDir)
	// Untouched resources keep defaults.
	assert.Equal(t, runtime.NumCPU(), s.VFS.MaxTasks)
}

func TestCapsMapping(t *testing.T) {
	s := Settings{Downloads: limits.Limits{MaxTasks: 3}}
	caps := s.Caps()
	assert.Equal(t, 3, caps.Downloads.MaxTasks)
}
