package modlift

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/modlift/modlift/base"
	"github.com/modlift/modlift/download"
	"github.com/modlift/modlift/extract"
	"github.com/modlift/modlift/hashcache"
	"github.com/modlift/modlift/install"
	"github.com/modlift/modlift/limits"
	"github.com/modlift/modlift/modlist"
	"github.com/modlift/modlift/patchcache"
	"github.com/modlift/modlift/settings"
	"github.com/modlift/modlift/vfs"
)

// Engine wires the subsystems over one data directory: the resource set,
// the persistent caches, the extractor, and the download dispatcher. One
// Engine serves any number of sequential installs.
type Engine struct {
	Settings  settings.Settings
	Resources *limits.Set
	Temp      *base.TempManager
	Hashes    *hashcache.Cache
	VFS       *vfs.Index
	Downloads *download.Dispatcher
	Extractor *extract.Extractor
	Patches   *patchcache.Cache

	vcache *download.VerificationCache
	logger *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*engineConfig)

type engineConfig struct {
	logger      *slog.Logger
	invoker     extract.Invoker
	gameDir     base.AbsolutePath
	dispatchers []download.Option
}

// WithEngineLogger sets the logger threaded through every subsystem.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(c *engineConfig) {
		c.logger = logger
	}
}

// WithInvoker overrides the native-tool invoker; the default executes on
// the host directly.
func WithInvoker(invoker extract.Invoker) EngineOption {
	return func(c *engineConfig) {
		c.invoker = invoker
	}
}

// WithGameDir pins the game directory used by game-file sources.
func WithGameDir(dir base.AbsolutePath) EngineOption {
	return func(c *engineConfig) {
		c.gameDir = dir
	}
}

// WithDownloadOptions forwards options to the download dispatcher.
func WithDownloadOptions(opts ...download.Option) EngineOption {
	return func(c *engineConfig) {
		c.dispatchers = append(c.dispatchers, opts...)
	}
}

// NewEngine opens the persistent state under the settings' data directory
// and builds the subsystem graph.
func NewEngine(s settings.Settings, tools extract.ToolSet, opts ...EngineOption) (*Engine, error) {
	cfg := engineConfig{invoker: extract.HostInvoker{}}
	for _, opt := range opts {
		opt(&cfg)
	}

	resources := limits.NewSet(s.Caps(), limits.WithLogger(cfg.logger))

	temp, err := base.NewTempManager(base.AbsolutePath(filepath.Join(s.DataDir, "temp")), base.WithTempLogger(cfg.logger))
	if err != nil {
		resources.Close()
		return nil, err
	}
	if err := temp.Sweep(); err != nil {
		resources.Close()
		return nil, err
	}

	hashes, err := hashcache.Open(
		base.AbsolutePath(filepath.Join(s.DataDir, hashcache.FileName)),
		resources.FileHashing, hashcache.WithLogger(cfg.logger))
	if err != nil {
		resources.Close()
		return nil, err
	}

	vcache, err := download.OpenVerificationCache(
		base.AbsolutePath(filepath.Join(s.DataDir, download.VerificationCacheName)), s.VerificationTTL)
	if err != nil {
		_ = hashes.Close()
		resources.Close()
		return nil, err
	}

	patches, err := patchcache.New(base.AbsolutePath(filepath.Join(s.DataDir, patchcache.DirName)))
	if err != nil {
		_ = vcache.Close()
		_ = hashes.Close()
		resources.Close()
		return nil, err
	}

	extractor := extract.NewExtractor(resources.FileExtractor, temp, cfg.invoker, tools,
		extract.WithExtractorLogger(cfg.logger))

	dlOpts := append([]download.Option{
		download.WithLogger(cfg.logger),
		download.WithHTTPClient(&http.Client{Timeout: s.HTTPTimeout}),
		download.WithVerificationCache(vcache),
	}, cfg.dispatchers...)
	dispatcher := download.NewDispatcher(resources.Downloads, resources.WebRequests, cfg.gameDir, dlOpts...)

	index, err := vfs.Open(
		base.AbsolutePath(filepath.Join(s.DataDir, vfs.CacheName)),
		resources.VFS, extractor, hashes, vfs.WithLogger(cfg.logger))
	if err != nil {
		_ = vcache.Close()
		_ = hashes.Close()
		resources.Close()
		return nil, err
	}

	return &Engine{
		Settings:  s,
		Resources: resources,
		Temp:      temp,
		Hashes:    hashes,
		VFS:       index,
		Downloads: dispatcher,
		Extractor: extractor,
		Patches:   patches,
		vcache:    vcache,
		logger:    cfg.logger,
	}, nil
}

// NewInstaller prepares one install run; callers needing the
// manual-download list after a failed gate hold the installer themselves.
func (e *Engine) NewInstaller(cfg install.Configuration) (*install.Installer, error) {
	return install.New(cfg, install.Deps{
		Resources: e.Resources,
		Hashes:    e.Hashes,
		VFS:       e.VFS,
		Downloads: e.Downloads,
		Extractor: e.Extractor,
		Temp:      e.Temp,
		Patches:   e.Patches,
	}, install.WithLogger(e.logger))
}

// Install runs one modlist to completion.
func (e *Engine) Install(ctx context.Context, cfg install.Configuration) error {
	installer, err := e.NewInstaller(cfg)
	if err != nil {
		return err
	}
	return installer.Run(ctx)
}

// PeekRemoteBundle opens a remote .modlist bundle without fetching it
// fully, reading the manifest through HTTP range requests.
func (e *Engine) PeekRemoteBundle(ctx context.Context, archive modlist.Archive) (*modlist.Bundle, error) {
	src, err := e.Downloads.ChunkedSeekableStream(ctx, archive)
	if err != nil {
		return nil, err
	}
	return modlist.NewBundleFromReaderAt(src, src.Size())
}

// Close releases the persistent state and drains the resource governors.
func (e *Engine) Close() error {
	e.Resources.Close()
	err := e.VFS.Close()
	if herr := e.Hashes.Close(); err == nil {
		err = herr
	}
	if verr := e.vcache.Close(); err == nil {
		err = verr
	}
	return err
}
