// Package install drives the 15-step installation: configure, optimise,
// hash, download, gate on manual archives, recover corruption, open the
// bundle staging area, prime the VFS, build directories, materialise every
// directive class, write meta sidecars, rebuild containers, apply merge
// patches, and finalise the portable installation.
package install

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/woozymasta/pathrules"
	"golang.org/x/sync/errgroup"

	"github.com/modlift/modlift/base"
	"github.com/modlift/modlift/download"
	"github.com/modlift/modlift/extract"
	"github.com/modlift/modlift/hashcache"
	"github.com/modlift/modlift/limits"
	"github.com/modlift/modlift/modlist"
	"github.com/modlift/modlift/patchcache"
	"github.com/modlift/modlift/vfs"
)

// TempContainerPrefix marks directive targets that land in the container
// staging area instead of the install tree. CreateBSA file states read
// from there.
const TempContainerPrefix = "TEMP_BSA_FILES"

// PortableMarkerName is the sentinel file written at finalise time.
const PortableMarkerName = "portable.txt"

// Deps are the injected collaborators; none are optional except Patches.
type Deps struct {
	Resources *limits.Set
	Hashes    *hashcache.Cache
	VFS       *vfs.Index
	Downloads *download.Dispatcher
	Extractor *extract.Extractor
	Temp      *base.TempManager
	Patches   *patchcache.Cache
}

// Installer runs one modlist to completion. Not reusable across runs.
type Installer struct {
	cfg    Configuration
	deps   Deps
	ml     *modlist.Modlist
	logger *slog.Logger
	allow  *pathrules.Matcher

	mu      sync.Mutex
	hashed  map[base.Hash]base.AbsolutePath
	manual  []modlist.Archive
	staging *base.TempFolder
}

// Option configures an Installer.
type Option func(*Installer)

// WithLogger sets the logger. If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(inst *Installer) {
		inst.logger = logger
	}
}

// New validates the wiring and prepares a run.
func New(cfg Configuration, deps Deps, opts ...Option) (*Installer, error) {
	if cfg.Bundle == nil {
		return nil, fmt.Errorf("%w: no bundle", ErrConfiguration)
	}
	inst := &Installer{
		cfg:    cfg,
		deps:   deps,
		ml:     cfg.Bundle.Modlist(),
		hashed: make(map[base.Hash]base.AbsolutePath),
	}
	for _, opt := range opts {
		opt(inst)
	}
	if len(cfg.AllowedModified) > 0 {
		rules := make([]pathrules.Rule, 0, len(cfg.AllowedModified))
		for _, pattern := range cfg.AllowedModified {
			rules = append(rules, pathrules.Rule{Action: pathrules.ActionInclude, Pattern: pattern})
		}
		matcher, err := pathrules.NewMatcher(rules, pathrules.MatcherOptions{
			CaseInsensitive: true,
			DefaultAction:   pathrules.ActionExclude,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: allow-list: %s", ErrConfiguration, err)
		}
		inst.allow = matcher
	}
	return inst, nil
}

func (inst *Installer) log() *slog.Logger {
	if inst.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return inst.logger
}

// ManualDownloads lists the archives collected for user delivery. Valid
// after Run returns ErrDownloadFailed from the manual gate.
func (inst *Installer) ManualDownloads() []modlist.Archive {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	out := make([]modlist.Archive, len(inst.manual))
	copy(out, inst.manual)
	return out
}

// StatusReports snapshots the resource set for progress UIs.
func (inst *Installer) StatusReports() []limits.Status {
	return inst.deps.Resources.StatusReports()
}

// phase pairs a name with its body for the strict-order loop.
type phase struct {
	name string
	run  func(context.Context) error
}

// Run executes the phases in strict order. Cancellation is honoured at
// every phase boundary and surfaces as ErrCancelled.
func (inst *Installer) Run(ctx context.Context) error {
	phases := []phase{
		{"configure", inst.configure},
		{"optimize modlist", inst.optimize},
		{"hash archives", inst.hashArchives},
		{"download archives", inst.downloadArchives},
		{"manual download gate", inst.manualGate},
		{"rehash and recover", inst.rehashAndRecover},
		{"open bundle staging", inst.openStaging},
		{"prime vfs", inst.primeVFS},
		{"build folder structure", inst.buildFolders},
		{"install archives", inst.installArchives},
		{"install inline files", inst.installInlineFiles},
		{"write meta files", inst.writeMetaFiles},
		{"build containers", inst.buildContainers},
		{"generate merge patches", inst.generateMergePatches},
		{"finalize", inst.finalize},
	}
	defer func() {
		if inst.staging != nil {
			_ = inst.staging.Close()
		}
	}()

	for i, p := range phases {
		if err := ctx.Err(); err != nil {
			inst.log().Info("install cancelled", "before_phase", p.name)
			return fmt.Errorf("%w: before %s", ErrCancelled, p.name)
		}
		inst.log().Info("phase starting", "number", i+1, "phase", p.name)
		if err := p.run(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return fmt.Errorf("%w: during %s", ErrCancelled, p.name)
			}
			return fmt.Errorf("phase %q: %w", p.name, err)
		}
	}
	inst.log().Info("install complete", "modlist", inst.ml.Name, "directives", len(inst.ml.Directives))
	return nil
}

// configure validates directories and resolves the game folder (phase 1).
func (inst *Installer) configure(context.Context) error {
	if err := ensureWritableDir(inst.cfg.Install); err != nil {
		return err
	}
	if err := ensureWritableDir(inst.cfg.Downloads); err != nil {
		return err
	}
	if inst.cfg.GameDir == "" {
		dir, err := resolveGameDir(inst.ml.GameType)
		if err != nil {
			return err
		}
		inst.cfg.GameDir = dir
	}
	info, err := os.Stat(inst.cfg.GameDir.String())
	if err != nil {
		return fmt.Errorf("%w: %s", ErrGameMissing, inst.cfg.GameDir)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrGameInvalid, inst.cfg.GameDir)
	}
	return nil
}

// optimize collapses redundant directives (phase 2).
func (inst *Installer) optimize(context.Context) error {
	before := len(inst.ml.Directives)
	inst.ml.Optimize()
	if dropped := before - len(inst.ml.Directives); dropped > 0 {
		inst.log().Info("collapsed redundant directives", "dropped", dropped)
	}
	return inst.ml.Validate()
}

// hashArchives fingerprints every file already in downloads (phase 3).
func (inst *Installer) hashArchives(ctx context.Context) error {
	files, err := downloadsFiles(inst.cfg.Downloads)
	if err != nil {
		return err
	}
	eg, ctx := errgroup.WithContext(ctx)
	for _, path := range files {
		eg.Go(func() error {
			hash, err := inst.deps.Hashes.ComputeOrCache(ctx, path)
			if err != nil {
				return err
			}
			inst.mu.Lock()
			inst.hashed[hash] = path
			inst.mu.Unlock()
			return nil
		})
	}
	return eg.Wait()
}

// downloadArchives fetches everything not already on disk (phase 4).
// Manual archives route to the intervention handler and are collected;
// transient failures stay for the recovery phase.
func (inst *Installer) downloadArchives(ctx context.Context) error {
	missing := inst.missingArchives()
	eg, ctx := errgroup.WithContext(ctx)
	for _, archive := range missing {
		if _, manual := archive.State.(modlist.ManualState); manual {
			inst.recordManual(ctx, archive)
			continue
		}
		eg.Go(func() error {
			if err := inst.fetchArchive(ctx, archive); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				// Left for the recovery phase; a second miss is fatal there.
				inst.log().Warn("archive download failed", "name", archive.Name, "error", err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// recordManual surfaces one manual archive through the single-slot
// intervention resource and adds it to the collected list.
func (inst *Installer) recordManual(ctx context.Context, archive modlist.Archive) {
	if job, err := inst.deps.Resources.UserIntervention.Begin(ctx, "manual download "+archive.Name, 0); err == nil {
		inst.log().Warn("manual download required",
			"name", archive.Name, "source", archive.State.PrimaryKeyString())
		inst.deps.Resources.UserIntervention.Finish(job)
	}
	inst.mu.Lock()
	inst.manual = append(inst.manual, archive)
	inst.mu.Unlock()
}

// fetchArchive re-verifies the source, downloads the archive, and writes
// its meta sidecar. Verification results persist in the TTL cache, so the
// recovery phase does not probe a source the download phase just checked.
func (inst *Installer) fetchArchive(ctx context.Context, archive modlist.Archive) error {
	valid, verr := inst.deps.Downloads.Verify(ctx, archive)
	if verr != nil {
		// A failed probe is not a failed source; the download decides.
		inst.log().Warn("source verification errored", "name", archive.Name, "error", verr)
	} else if !valid {
		return fmt.Errorf("%w: source verification failed: %s",
			ErrDownloadFailed, archive.State.PrimaryKeyString())
	}

	target := inst.cfg.Downloads.Join(archive.Name)
	if err := inst.deps.Downloads.Download(ctx, inst.deps.Hashes, archive, target, nil); err != nil {
		return err
	}
	inst.mu.Lock()
	inst.hashed[archive.Hash] = target
	inst.mu.Unlock()
	return inst.writeMetaFor(archive, target, true)
}

// manualGate terminates the run when manual downloads were collected
// (phase 5). The caller presents the list.
func (inst *Installer) manualGate(context.Context) error {
	inst.mu.Lock()
	count := len(inst.manual)
	inst.mu.Unlock()
	if count > 0 {
		return fmt.Errorf("%w: %d archives require manual download", ErrDownloadFailed, count)
	}
	return nil
}

// rehashAndRecover rehashes and gives presumed-corrupt archives one more
// chance (phase 6). A second miss is fatal.
func (inst *Installer) rehashAndRecover(ctx context.Context) error {
	if err := inst.hashArchives(ctx); err != nil {
		return err
	}

	var failed []string
	for _, archive := range inst.missingArchives() {
		if _, manual := archive.State.(modlist.ManualState); manual {
			continue
		}
		candidate := inst.cfg.Downloads.Join(archive.Name)
		if _, err := os.Stat(candidate.String()); err == nil {
			inst.log().Warn("presuming archive corrupt", "name", archive.Name)
			if err := os.Remove(candidate.String()); err != nil {
				return err
			}
			if err := inst.deps.Hashes.Purge(candidate); err != nil {
				return err
			}
		}
		if err := inst.fetchArchive(ctx, archive); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			inst.log().Error("archive unrecoverable", "name", archive.Name, "error", err)
			failed = append(failed, archive.Name)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: unrecoverable archives: %v", ErrDownloadFailed, failed)
	}
	return nil
}

// openStaging creates the scratch area for container assembly (phase 7).
// Directive blobs themselves load lazily from the bundle.
func (inst *Installer) openStaging(context.Context) error {
	staging, err := inst.deps.Temp.NewFolder("staging")
	if err != nil {
		return err
	}
	inst.staging = staging
	return nil
}

// primeVFS ensures every referenced (archive, inner-path) is indexed
// before extraction starts (phase 8).
func (inst *Installer) primeVFS(ctx context.Context) error {
	var needs []vfs.Need
	for _, d := range inst.ml.Directives {
		switch directive := d.(type) {
		case modlist.FromArchive:
			needs = append(needs, vfs.Need{ArchiveHash: directive.SourceArchiveHash, InnerPath: directive.InnerPath})
		case modlist.PatchedFromArchive:
			needs = append(needs, vfs.Need{ArchiveHash: directive.SourceArchiveHash, InnerPath: directive.InnerPath})
		}
	}
	inst.mu.Lock()
	archives := make(map[base.Hash]base.AbsolutePath, len(inst.hashed))
	for hash, path := range inst.hashed {
		archives[hash] = path
	}
	inst.mu.Unlock()
	if err := inst.deps.VFS.Prime(ctx, needs, archives); err != nil {
		if errors.Is(err, vfs.ErrArchivesMissing) {
			return fmt.Errorf("%w: %s", ErrDownloadFailed, err)
		}
		return err
	}
	return nil
}

// buildFolders creates every target's parent directory (phase 9).
func (inst *Installer) buildFolders(context.Context) error {
	seen := make(map[base.AbsolutePath]struct{})
	for _, d := range inst.ml.Directives {
		parent := inst.resolveTarget(d.Target()).Parent()
		if _, done := seen[parent]; done {
			continue
		}
		seen[parent] = struct{}{}
		if err := os.MkdirAll(parent.String(), 0o755); err != nil {
			return err
		}
	}
	return nil
}

// resolveTarget maps a directive target into the install tree, or into the
// container staging area for the reserved prefix.
func (inst *Installer) resolveTarget(to base.RelativePath) base.AbsolutePath {
	if to.TopParent() == TempContainerPrefix && inst.staging != nil {
		rest := base.NewRelativePath(string(to[len(TempContainerPrefix):]))
		return rest.RelativeTo(inst.staging.Path())
	}
	return to.RelativeTo(inst.cfg.Install)
}

// missingArchives lists modlist archives without an on-disk counterpart.
func (inst *Installer) missingArchives() []modlist.Archive {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	var out []modlist.Archive
	for _, archive := range inst.ml.Archives {
		if _, ok := inst.hashed[archive.Hash]; !ok {
			out = append(out, archive)
		}
	}
	return out
}

// downloadsFiles lists regular files in the downloads directory, meta
// sidecars excluded.
func downloadsFiles(dir base.AbsolutePath) ([]base.AbsolutePath, error) {
	entries, err := os.ReadDir(dir.String())
	if err != nil {
		return nil, err
	}
	out := make([]base.AbsolutePath, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) == ".meta" {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		out = append(out, dir.Join(entry.Name()))
	}
	return out, nil
}
