// Package settings loads the engine's performance and resource settings:
// per-resource task caps and throughput budgets, the HTTP timeout, and the
// data directory holding the persistent caches.
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"

	"github.com/modlift/modlift/limits"
)

// AppName is the application name used for default directories.
const AppName = "modlift"

// Settings is the immutable result of a load.
type Settings struct {
	Downloads     limits.Limits
	WebRequests   limits.Limits
	VFS           limits.Limits
	FileHashing   limits.Limits
	FileExtractor limits.Limits
	Installer     limits.Limits

	HTTPTimeout     time.Duration
	VerificationTTL time.Duration
	DataDir         string
}

// Caps converts the per-resource limits into the standard resource caps.
func (s Settings) Caps() limits.Caps {
	return limits.Caps{
		Downloads:     s.Downloads,
		WebRequests:   s.WebRequests,
		VFS:           s.VFS,
		FileHashing:   s.FileHashing,
		FileExtractor: s.FileExtractor,
		Installer:     s.Installer,
	}
}

// DefaultDataDir resolves the platform data directory for the engine.
func DefaultDataDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve data dir: %w", err)
	}
	return filepath.Join(base, AppName), nil
}

// Load reads settings from the optional config file at path (empty loads
// defaults only), layered over environment variables prefixed MODLIFT_.
func Load(path string) (Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("modlift")
	v.AutomaticEnv()

	cpus := runtime.NumCPU()
	for _, name := range []string{"downloads", "web_requests", "vfs", "file_hashing", "file_extractor", "installer"} {
		v.SetDefault(name+".max_tasks", cpus)
		v.SetDefault(name+".max_throughput", limits.Unbounded)
	}
	v.SetDefault("http_timeout", time.Hour)
	v.SetDefault("verification_ttl", 24*time.Hour)

	dataDir, err := DefaultDataDir()
	if err != nil {
		return Settings{}, err
	}
	v.SetDefault("data_dir", dataDir)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read settings: %w", err)
		}
	}

	read := func(name string) limits.Limits {
		return limits.Limits{
			MaxTasks:      v.GetInt(name + ".max_tasks"),
			MaxThroughput: v.GetInt64(name + ".max_throughput"),
		}
	}
	return Settings{
		Downloads:       read("downloads"),
		WebRequests:     read("web_requests"),
		VFS:             read("vfs"),
		FileHashing:     read("file_hashing"),
		FileExtractor:   read("file_extractor"),
		Installer:       read("installer"),
		HTTPTimeout:     v.GetDuration("http_timeout"),
		VerificationTTL: v.GetDuration("verification_ttl"),
		DataDir:         v.GetString("data_dir"),
	}, nil
}
