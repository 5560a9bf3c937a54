package install

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/gabstv/go-bsdiff/pkg/bspatch"
	"golang.org/x/sync/errgroup"

	"github.com/modlift/modlift/base"
	"github.com/modlift/modlift/bsa"
	"github.com/modlift/modlift/extract"
	"github.com/modlift/modlift/modlist"
	"github.com/modlift/modlift/vfs"
)

// archiveDirective is a FromArchive or PatchedFromArchive flattened to the
// fields the extraction walk needs. The inner path is already resolved
// against the VFS, so it is relative to an on-disk outer archive.
type archiveDirective struct {
	to        base.RelativePath
	hash      base.Hash
	inner     base.RelativePath
	fromHash  base.Hash
	patchBlob string
}

// installArchives materialises every FromArchive and PatchedFromArchive
// directive (phase 10). Each source-archive hash resolves through the VFS
// to the download holding it, so a source that is itself nested inside a
// download extracts through the outer archive. Directives group by that
// outer archive so each one is opened once; per-archive work runs in
// parallel.
func (inst *Installer) installArchives(ctx context.Context) error {
	grouped := make(map[base.Hash][]archiveDirective)
	add := func(srcHash base.Hash, d archiveDirective) error {
		loc, ok := inst.deps.VFS.Resolve(srcHash)
		if !ok {
			return fmt.Errorf("%w: source archive %s not indexed", ErrDownloadFailed, srcHash)
		}
		if loc.InnerPath != "" {
			d.inner = base.RelativePath(loc.InnerPath.String() + vfs.NestedSeparator + d.inner.String())
		}
		grouped[loc.ArchiveHash] = append(grouped[loc.ArchiveHash], d)
		return nil
	}
	for _, d := range inst.ml.Directives {
		var err error
		switch directive := d.(type) {
		case modlist.FromArchive:
			err = add(directive.SourceArchiveHash, archiveDirective{
				to: directive.To, hash: directive.Hash, inner: directive.InnerPath,
			})
		case modlist.PatchedFromArchive:
			err = add(directive.SourceArchiveHash, archiveDirective{
				to: directive.To, hash: directive.Hash, inner: directive.InnerPath,
				fromHash: directive.FromHash, patchBlob: directive.PatchBlobID,
			})
		}
		if err != nil {
			return err
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	for srcHash, directives := range grouped {
		eg.Go(func() error {
			return inst.installFromArchive(ctx, srcHash, directives)
		})
	}
	return eg.Wait()
}

// installFromArchive extracts one archive's directives. The only-files set
// holds the first nesting level; deeper levels materialise recursively.
// outerHash names a download on disk; the VFS resolved it in phase 10's
// grouping step.
func (inst *Installer) installFromArchive(ctx context.Context, outerHash base.Hash, directives []archiveDirective) error {
	inst.mu.Lock()
	path, ok := inst.hashed[outerHash]
	inst.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: archive %s vanished before extraction", ErrDownloadFailed, outerHash)
	}

	byFirst := make(map[base.RelativePath][]archiveDirective)
	only := make(map[base.RelativePath]struct{})
	for _, d := range directives {
		first, _ := splitNested(d.inner)
		byFirst[first] = append(byFirst[first], d)
		only[first] = struct{}{}
	}

	src, err := base.NewFileStreamFactory(path)
	if err != nil {
		return err
	}
	_, err = extract.GatheringExtract(ctx, inst.deps.Extractor, src, extract.Request{OnlyFiles: only},
		func(ctx context.Context, entry base.RelativePath, file extract.ExtractedFile) (struct{}, error) {
			for _, d := range byFirst[entry] {
				if err := inst.placeFromEntry(ctx, d, file); err != nil {
					return struct{}{}, err
				}
			}
			return struct{}{}, nil
		})
	return err
}

// placeFromEntry resolves nesting, applies an optional binary diff, and
// lands one directive's output.
func (inst *Installer) placeFromEntry(ctx context.Context, d archiveDirective, file extract.ExtractedFile) error {
	_, rest := splitNested(d.inner)
	target := inst.resolveTarget(d.to)

	if rest == "" && d.patchBlob == "" {
		// The fast path transfers ownership of the extracted bytes.
		if err := file.Move(target); err != nil {
			return err
		}
		return inst.verifyTarget(target, d.to, d.hash)
	}

	data, err := readExtracted(file)
	if err != nil {
		return err
	}
	if rest != "" {
		data, err = inst.materializeNested(ctx, d.inner.String(), data, rest)
		if err != nil {
			return err
		}
	}
	if d.patchBlob != "" {
		if d.fromHash.IsValid() {
			if got := base.HashBytes(data); got != d.fromHash {
				return fmt.Errorf("%w: patch source for %s: got %s want %s",
					ErrHashMismatch, d.to, got, d.fromHash)
			}
		}
		data, err = inst.applyPatch(data, d.patchBlob, d.hash)
		if err != nil {
			return err
		}
	}
	if err := atomicWriteFile(target, data); err != nil {
		return err
	}
	return inst.verifyTarget(target, d.to, d.hash)
}

// materializeNested digs through inner archive levels until the final
// entry's bytes surface.
func (inst *Installer) materializeNested(ctx context.Context, display string, data []byte, inner base.RelativePath) ([]byte, error) {
	first, rest := splitNested(inner)
	src := base.NewMemoryStreamFactory(base.RelativePath(display), data)
	results, err := extract.GatheringExtract(ctx, inst.deps.Extractor, src,
		extract.Request{OnlyFiles: map[base.RelativePath]struct{}{first: {}}},
		func(_ context.Context, _ base.RelativePath, file extract.ExtractedFile) ([]byte, error) {
			return readExtracted(file)
		})
	if err != nil {
		return nil, err
	}
	payload, ok := results[first]
	if !ok {
		return nil, fmt.Errorf("nested entry %s not found in %s", first, display)
	}
	if rest == "" {
		return payload, nil
	}
	return inst.materializeNested(ctx, display, payload, rest)
}

// applyPatch runs the binary diff from the bundle over data, caching the
// result by its expected output hash.
func (inst *Installer) applyPatch(data []byte, patchBlob string, want base.Hash) ([]byte, error) {
	if inst.deps.Patches != nil && want.IsValid() {
		if cached, ok := inst.deps.Patches.Get(want); ok {
			return cached, nil
		}
	}
	patch, err := inst.cfg.Bundle.ReadBlob(patchBlob)
	if err != nil {
		return nil, err
	}
	out, err := bspatch.Bytes(data, patch)
	if err != nil {
		return nil, fmt.Errorf("apply patch %s: %w", patchBlob, err)
	}
	if inst.deps.Patches != nil && want.IsValid() {
		if err := inst.deps.Patches.Put(want, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// installInlineFiles writes plain InlineFile blobs (phase 11). Remapped
// variants wait for finalise, where the substitution values exist.
func (inst *Installer) installInlineFiles(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, d := range inst.ml.Directives {
		directive, ok := d.(modlist.InlineFile)
		if !ok {
			continue
		}
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			job, err := inst.deps.Resources.Installer.Begin(ctx, "inline "+directive.To.Base(), 0)
			if err != nil {
				return err
			}
			defer inst.deps.Resources.Installer.Finish(job)

			data, err := inst.cfg.Bundle.ReadBlob(directive.BlobID)
			if err != nil {
				return err
			}
			target := inst.resolveTarget(directive.To)
			if err := atomicWriteFile(target, data); err != nil {
				return err
			}
			return inst.verifyTarget(target, directive.To, directive.Hash)
		})
	}
	return eg.Wait()
}

// buildContainers assembles every CreateBSA directive (phase 13) and
// verifies the readback entry by entry, lossy formats excluded.
func (inst *Installer) buildContainers(ctx context.Context) error {
	for _, d := range inst.ml.Directives {
		directive, ok := d.(modlist.CreateBSA)
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := inst.buildContainer(ctx, directive); err != nil {
			return err
		}
	}
	return nil
}

func (inst *Installer) buildContainer(ctx context.Context, d modlist.CreateBSA) error {
	job, err := inst.deps.Resources.Installer.Begin(ctx, "building "+d.To.Base(), 0)
	if err != nil {
		return err
	}
	defer inst.deps.Resources.Installer.Finish(job)

	states := append([]bsa.FileState(nil), d.FileStates...)
	sort.Slice(states, func(i, j int) bool { return states[i].Index < states[j].Index })

	stagingRoot := inst.staging.Path().Join(d.TempID)
	writer, err := bsa.NewWriter(d.State)
	if err != nil {
		return err
	}
	sourceHashes := make(map[base.RelativePath]base.Hash, len(states))
	for _, state := range states {
		staged := state.Path.RelativeTo(stagingRoot)
		f, err := os.Open(staged.String())
		if err != nil {
			return fmt.Errorf("container source %s: %w", state.Path, err)
		}
		hash, addErr := addAndHash(writer, state, f)
		_ = f.Close()
		if addErr != nil {
			return addErr
		}
		sourceHashes[state.Path] = hash
	}

	target := inst.resolveTarget(d.To)
	var packed bytes.Buffer
	if err := writer.Build(&packed); err != nil {
		return err
	}
	if err := atomicWriteFile(target, packed.Bytes()); err != nil {
		return err
	}

	if err := inst.verifyContainer(target, states, sourceHashes); err != nil {
		return err
	}
	return inst.verifyTarget(target, d.To, d.Hash)
}

// addAndHash feeds one staged file to the writer while fingerprinting it.
func addAndHash(writer *bsa.Writer, state bsa.FileState, r io.Reader) (base.Hash, error) {
	hasher := base.NewHasher()
	if err := writer.AddFile(state, io.TeeReader(r, hasher)); err != nil {
		return 0, err
	}
	return hasher.Sum(), nil
}

// verifyContainer opens the packed output and checks that every lossless
// entry round-trips to the hash of the staged file that fed it.
func (inst *Installer) verifyContainer(target base.AbsolutePath, states []bsa.FileState, sourceHashes map[base.RelativePath]base.Hash) error {
	src, err := base.NewFileStreamFactory(target)
	if err != nil {
		return err
	}
	reader, err := bsa.Open(src)
	if err != nil {
		return err
	}
	for _, state := range states {
		if state.Lossy() {
			continue
		}
		entry, ok := reader.Find(state.Path)
		if !ok {
			return fmt.Errorf("%w: container %s lost entry %s", ErrHashMismatch, target.Base(), state.Path)
		}
		data, err := entry.Bytes()
		if err != nil {
			return err
		}
		if got, want := base.HashBytes(data), sourceHashes[state.Path]; got != want {
			return fmt.Errorf("%w: container %s entry %s: got %s want %s",
				ErrHashMismatch, target.Base(), state.Path, got, want)
		}
	}
	return nil
}

// generateMergePatches applies binary diffs to source concatenations
// (phase 14).
func (inst *Installer) generateMergePatches(ctx context.Context) error {
	for _, d := range inst.ml.Directives {
		directive, ok := d.(modlist.MergedPatch)
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := inst.generateMergePatch(directive); err != nil {
			return err
		}
	}
	return nil
}

func (inst *Installer) generateMergePatch(d modlist.MergedPatch) error {
	var concat bytes.Buffer
	for _, source := range d.Sources {
		data, err := os.ReadFile(inst.resolveTarget(source.RelativePath).String())
		if err != nil {
			return fmt.Errorf("merge source %s: %w", source.RelativePath, err)
		}
		if source.Hash.IsValid() {
			if got := base.HashBytes(data); got != source.Hash {
				return fmt.Errorf("%w: merge source %s: got %s want %s",
					ErrHashMismatch, source.RelativePath, got, source.Hash)
			}
		}
		concat.Write(data)
	}

	out, err := inst.applyPatch(concat.Bytes(), d.PatchBlobID, d.Hash)
	if err != nil {
		return err
	}
	target := inst.resolveTarget(d.To)
	if err := atomicWriteFile(target, out); err != nil {
		return err
	}
	return inst.verifyTarget(target, d.To, d.Hash)
}

// verifyTarget fingerprints the landed file against the directive's
// expected hash, honouring the known-modified allow-list, and records the
// result in the hash cache.
func (inst *Installer) verifyTarget(target base.AbsolutePath, to base.RelativePath, want base.Hash) error {
	f, err := os.Open(target.String())
	if err != nil {
		return err
	}
	got, _, err := base.HashReader(f)
	_ = f.Close()
	if err != nil {
		return err
	}
	if want.IsValid() && got != want && !inst.allowModified(to) {
		return fmt.Errorf("%w: %s: got %s want %s", ErrHashMismatch, to, got, want)
	}
	return inst.deps.Hashes.Write(target, got)
}

// allowModified reports whether the target is on the known-modified
// allow-list.
func (inst *Installer) allowModified(to base.RelativePath) bool {
	if inst.allow == nil {
		return false
	}
	return inst.allow.Included(to.String(), false)
}

// readExtracted materialises one extracted entry.
func readExtracted(file extract.ExtractedFile) ([]byte, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// splitNested separates the first nesting level of an inner path from the
// remainder.
func splitNested(inner base.RelativePath) (first, rest base.RelativePath) {
	if idx := strings.Index(inner.String(), vfs.NestedSeparator); idx >= 0 {
		return base.RelativePath(inner[:idx]), base.RelativePath(inner[idx+1:])
	}
	return inner, ""
}

// atomicWriteFile lands data at target via scratch-and-rename.
func atomicWriteFile(target base.AbsolutePath, data []byte) error {
	if err := os.MkdirAll(target.Parent().String(), 0o755); err != nil {
		return err
	}
	scratch, err := os.CreateTemp(target.Parent().String(), ".modlift-*")
	if err != nil {
		return err
	}
	name := scratch.Name()
	if _, err := scratch.Write(data); err != nil {
		_ = scratch.Close()
		_ = os.Remove(name)
		return err
	}
	if err := scratch.Sync(); err != nil {
		_ = scratch.Close()
		_ = os.Remove(name)
		return err
	}
	if err := scratch.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, target.String()); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}
