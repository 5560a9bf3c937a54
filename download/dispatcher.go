// Package download resolves archive source states to bytes on disk:
// resumable fetches with retry and hash verification, source-descriptor
// parsing, meta sidecar content, and chunked seekable streams for peeking
// into remote bundles.
package download

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/modlift/modlift/base"
	"github.com/modlift/modlift/limits"
	"github.com/modlift/modlift/modlist"
)

// Progress receives (processed, total) byte counts during a fetch.
type Progress func(processed, total int64)

// Downloader fetches one family of source states. The registry is static;
// every new state variant pairs with a new entry here.
type Downloader interface {
	// Matches reports whether this downloader serves the state.
	Matches(state modlist.State) bool
	// Download fetches the archive to target. Implementations resume
	// partial files whose size prefix matches and verify nothing; the
	// dispatcher owns hash verification.
	Download(ctx context.Context, archive modlist.Archive, target base.AbsolutePath, progress Progress) error
	// MetaLines returns the source-specific lines of the .meta sidecar.
	MetaLines(archive modlist.Archive) []string
}

// Dispatcher routes archives to downloaders and enforces the shared
// policies: task slots, throughput, verification, retry taxonomy.
type Dispatcher struct {
	client    *http.Client
	downloads *limits.Resource
	web       *limits.Resource
	vcache    *VerificationCache
	registry  []Downloader
	cdnRoot   string
	repoRoots map[string]string
	logger    *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithHTTPClient overrides the HTTP client. The default applies the
// engine-wide one hour request timeout.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		d.client = client
	}
}

// WithCDNRoot sets the catalogued-CDN base URL.
func WithCDNRoot(root string) Option {
	return func(d *Dispatcher) {
		d.cdnRoot = strings.TrimSuffix(root, "/")
	}
}

// WithRepoRoot registers the base URL for a named third-party repository.
func WithRepoRoot(repo, root string) Option {
	return func(d *Dispatcher) {
		d.repoRoots[repo] = strings.TrimSuffix(root, "/")
	}
}

// WithVerificationCache attaches the persistent verification TTL cache.
func WithVerificationCache(vcache *VerificationCache) Option {
	return func(d *Dispatcher) {
		d.vcache = vcache
	}
}

// NewDispatcher builds the dispatcher with its static downloader registry.
// gameDir locates GameFileState sources; empty disables them.
func NewDispatcher(downloads, web *limits.Resource, gameDir base.AbsolutePath, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client:    &http.Client{Timeout: time.Hour},
		downloads: downloads,
		web:       web,
		repoRoots: make(map[string]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.registry = []Downloader{
		&httpDownloader{d: d},
		&cdnDownloader{d: d},
		&repoDownloader{d: d},
		&gameFileDownloader{d: d, gameDir: gameDir},
		manualDownloader{},
	}
	return d
}

func (d *Dispatcher) log() *slog.Logger {
	if d.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return d.logger
}

// resolve finds the downloader serving the archive's state.
func (d *Dispatcher) resolve(state modlist.State) (Downloader, error) {
	for _, dl := range d.registry {
		if dl.Matches(state) {
			return dl, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoDownloader, state.Kind())
}

// Download fetches the archive to target and verifies its fingerprint. A
// mismatch leaves the file in place for the caller's corruption-recovery
// policy and returns ErrHashMismatch.
func (d *Dispatcher) Download(ctx context.Context, cache hashWriter, archive modlist.Archive, target base.AbsolutePath, progress Progress) error {
	dl, err := d.resolve(archive.State)
	if err != nil {
		return err
	}
	if _, manual := archive.State.(modlist.ManualState); manual {
		return fmt.Errorf("%w: %s", ErrManualDownload, archive.State.PrimaryKeyString())
	}

	d.log().Info("downloading archive", "name", archive.Name, "source", archive.State.PrimaryKeyString())
	wrapped := func(processed, total int64) {
		if progress != nil {
			progress(processed, total)
		}
	}
	if err := dl.Download(ctx, archive, target, wrapped); err != nil {
		return err
	}

	hash, _, err := hashFile(target)
	if err != nil {
		return err
	}
	if archive.Hash.IsValid() && hash != archive.Hash {
		return fmt.Errorf("%w: %s: got %s want %s", ErrHashMismatch, archive.Name, hash, archive.Hash)
	}
	if cache != nil {
		if err := cache.Write(target, hash); err != nil {
			return err
		}
	}
	return nil
}

// hashWriter is the slice of the hash cache the dispatcher needs.
type hashWriter interface {
	Write(path base.AbsolutePath, hash base.Hash) error
}

// Parse recognises a source descriptor URI and returns its state.
//
//	https://host/file        -> HTTPState
//	cdn://<catalog-id>       -> CDNState
//	repo://<repo>/<mod>/<file> -> RepoState
//	game://<game>/<path>     -> GameFileState
//	manual://<url>           -> ManualState
func (d *Dispatcher) Parse(uri string) (modlist.State, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownURI, uri)
	}
	switch u.Scheme {
	case "http", "https":
		return modlist.HTTPState{URL: uri}, nil
	case "cdn":
		return modlist.CDNState{CatalogID: u.Host + u.Path}, nil
	case "repo":
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: %s", ErrUnknownURI, uri)
		}
		modID, err1 := parseInt(parts[0])
		fileID, err2 := parseInt(parts[1])
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownURI, uri)
		}
		return modlist.RepoState{Repo: u.Host, ModID: modID, FileID: fileID}, nil
	case "game":
		return modlist.GameFileState{Game: u.Host, File: base.NewRelativePath(u.Path)}, nil
	case "manual":
		return modlist.ManualState{URL: strings.TrimPrefix(uri, "manual://")}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownURI, uri)
	}
}

// MetaINI produces the .meta sidecar lines for a downloaded archive.
func (d *Dispatcher) MetaINI(archive modlist.Archive) ([]string, error) {
	dl, err := d.resolve(archive.State)
	if err != nil {
		return nil, err
	}
	return dl.MetaLines(archive), nil
}

// ChunkedSeekableStream returns a seekable read stream over the remote
// archive without fetching it fully, for peeking into modlist bundles.
func (d *Dispatcher) ChunkedSeekableStream(ctx context.Context, archive modlist.Archive) (*Source, error) {
	rawURL, err := d.stateURL(archive.State)
	if err != nil {
		return nil, err
	}
	return NewSource(ctx, rawURL, WithSourceClient(d.client), WithSourceResource(d.web))
}

// stateURL resolves the fetch URL for URL-addressable states.
func (d *Dispatcher) stateURL(state modlist.State) (string, error) {
	switch s := state.(type) {
	case modlist.HTTPState:
		return s.URL, nil
	case modlist.CDNState:
		if d.cdnRoot == "" {
			return "", fmt.Errorf("%w: no CDN root configured", ErrNoDownloader)
		}
		return d.cdnRoot + "/" + url.PathEscape(s.CatalogID), nil
	case modlist.RepoState:
		root, ok := d.repoRoots[s.Repo]
		if !ok {
			return "", fmt.Errorf("%w: repository %q", ErrNoDownloader, s.Repo)
		}
		return fmt.Sprintf("%s/mods/%d/files/%d", root, s.ModID, s.FileID), nil
	default:
		return "", fmt.Errorf("%w: %s is not URL-addressable", ErrNoDownloader, state.Kind())
	}
}

func parseInt(s string) (int64, error) {
	var v int64
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}
