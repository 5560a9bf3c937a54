package install_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/gabstv/go-bsdiff/pkg/bsdiff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/ini.v1"

	"github.com/modlift/modlift/base"
	"github.com/modlift/modlift/bsa"
	"github.com/modlift/modlift/download"
	"github.com/modlift/modlift/extract"
	"github.com/modlift/modlift/hashcache"
	"github.com/modlift/modlift/install"
	"github.com/modlift/modlift/internal/testutil"
	"github.com/modlift/modlift/modlist"
	"github.com/modlift/modlift/patchcache"
	"github.com/modlift/modlift/vfs"
)

type world struct {
	installDir   base.AbsolutePath
	downloadsDir base.AbsolutePath
	gameDir      base.AbsolutePath
	deps         install.Deps
}

func newWorld(t *testing.T) *world {
	t.Helper()
	set := testutil.NewResources(t)
	dataDir := t.TempDir()

	hashes, err := hashcache.Open(
		base.AbsolutePath(filepath.Join(dataDir, hashcache.FileName)), set.FileHashing)
	require.NoError(t, err)
	t.Cleanup(func() { _ = hashes.Close() })

	temp, err := base.NewTempManager(base.AbsolutePath(filepath.Join(dataDir, "temp")))
	require.NoError(t, err)
	extractor := extract.NewExtractor(set.FileExtractor, temp, extract.HostInvoker{}, extract.ToolSet{})

	index, err := vfs.Open(
		base.AbsolutePath(filepath.Join(dataDir, vfs.CacheName)), set.VFS, extractor, hashes)
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	patches, err := patchcache.New(base.AbsolutePath(filepath.Join(dataDir, patchcache.DirName)))
	require.NoError(t, err)

	dispatcher := download.NewDispatcher(set.Downloads, set.WebRequests, "")

	return &world{
		installDir:   base.AbsolutePath(filepath.Join(t.TempDir(), "install")),
		downloadsDir: base.AbsolutePath(filepath.Join(t.TempDir(), "downloads")),
		gameDir:      base.AbsolutePath(t.TempDir()),
		deps: install.Deps{
			Resources: set,
			Hashes:    hashes,
			VFS:       index,
			Downloads: dispatcher,
			Extractor: extractor,
			Temp:      temp,
			Patches:   patches,
		},
	}
}

func (w *world) placeDownload(t *testing.T, name string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(w.downloadsDir.String(), 0o755))
	require.NoError(t, os.WriteFile(w.downloadsDir.Join(name).String(), data, 0o644))
}

func (w *world) run(t *testing.T, ml *modlist.Modlist, blobs map[string][]byte) error {
	t.Helper()
	bundle, err := modlist.OpenBundle(base.AbsolutePath(testutil.BuildBundle(t, ml, blobs)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bundle.Close() })

	installer, err := install.New(install.Configuration{
		Install:   w.installDir,
		Downloads: w.downloadsDir,
		GameDir:   w.gameDir,
		Bundle:    bundle,
	}, w.deps)
	require.NoError(t, err)
	return installer.Run(context.Background())
}

func (w *world) installed(t *testing.T, rel string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(w.installDir.String(), filepath.FromSlash(rel)))
	require.NoError(t, err)
	return data
}

func TestInstallEndToEnd(t *testing.T) {
	w := newWorld(t)

	// One BTAR archive feeds plain, staged, and patched outputs.
	esp := []byte("the plugin bytes")
	mesh := []byte("the mesh bytes")
	before := []byte("unpatched content, version one")
	after := []byte("patched content, version two, longer")
	archiveData := testutil.BuildBTAR(3,
		testutil.BTAREntry{Name: "data/a.esp", Data: esp},
		testutil.BTAREntry{Name: "meshes/m.nif", Data: mesh},
		testutil.BTAREntry{Name: "data/b0.bin", Data: before},
	)
	w.placeDownload(t, "core.btar", archiveData)
	archiveHash := base.HashBytes(archiveData)

	patch, err := bsdiff.Bytes(before, after)
	require.NoError(t, err)

	inline := []byte("inline settings content\n")
	remapped := []byte("install={INSTALL_PATH}\nforward={INSTALL_PATH_FORWARD}\n")

	merged := []byte("merged output produced from the plugin")
	mergePatch, err := bsdiff.Bytes(esp, merged)
	require.NoError(t, err)

	ml := &modlist.Modlist{
		Name: "E2E", Version: "1.0", GameType: "skyrimse",
		Archives: []modlist.Archive{{
			Name: "core.btar", Hash: archiveHash, Size: int64(len(archiveData)),
			State: modlist.HTTPState{URL: "https://unused.example/core.btar"},
		}},
		Directives: []modlist.Directive{
			modlist.FromArchive{
				To: "mods/a.esp", Hash: base.HashBytes(esp),
				SourceArchiveHash: archiveHash, InnerPath: "data/a.esp",
			},
			modlist.FromArchive{
				To: base.RelativePath(install.TempContainerPrefix + "/t1/meshes/m.nif"),
				Hash:              base.HashBytes(mesh),
				SourceArchiveHash: archiveHash, InnerPath: "meshes/m.nif",
			},
			modlist.PatchedFromArchive{
				To: "mods/b1.bin", Hash: base.HashBytes(after),
				SourceArchiveHash: archiveHash, InnerPath: "data/b0.bin",
				FromHash: base.HashBytes(before), PatchBlobID: "patch-b",
			},
			modlist.InlineFile{
				To: "profiles/default/settings.txt", Hash: base.HashBytes(inline), BlobID: "blob-inline",
			},
			modlist.RemappedInlineFile{
				To: "paths.ini", Hash: base.HashBytes(remapped), BlobID: "blob-remap",
			},
			modlist.CreateBSA{
				To: "data/pack.bsa", TempID: "t1",
				State:      bsa.ContainerState{Format: bsa.FormatBSA},
				FileStates: []bsa.FileState{{Path: "meshes/m.nif", Index: 0}},
			},
			modlist.MergedPatch{
				To: "data/merged.bin", Hash: base.HashBytes(merged),
				Sources:     []modlist.MergeSource{{RelativePath: "mods/a.esp", Hash: base.HashBytes(esp)}},
				PatchBlobID: "patch-merge",
			},
		},
	}
	blobs := map[string][]byte{
		"blob-inline": inline,
		"blob-remap":  remapped,
		"patch-b":     patch,
		"patch-merge": mergePatch,
	}

	require.NoError(t, w.run(t, ml, blobs))

	// Hash fidelity per directive.
	assert.Equal(t, esp, w.installed(t, "mods/a.esp"))
	assert.Equal(t, after, w.installed(t, "mods/b1.bin"))
	assert.Equal(t, inline, w.installed(t, "profiles/default/settings.txt"))
	assert.Equal(t, merged, w.installed(t, "data/merged.bin"))

	// The remapped file carries the substituted install path.
	remappedOut := string(w.installed(t, "paths.ini"))
	assert.Contains(t, remappedOut, w.installDir.String())
	assert.NotContains(t, remappedOut, "{INSTALL_PATH}")

	// The rebuilt container round-trips its staged entry.
	src, err := base.NewFileStreamFactory(w.installDir.Join("data", "pack.bsa"))
	require.NoError(t, err)
	reader, err := bsa.Open(src)
	require.NoError(t, err)
	entry, ok := reader.Find("meshes/m.nif")
	require.True(t, ok)
	got, err := entry.Bytes()
	require.NoError(t, err)
	assert.Equal(t, mesh, got)

	// Portable marker and manager remap.
	assert.FileExists(t, w.installDir.Join(install.PortableMarkerName).String())
	cfg, err := ini.Load(w.installDir.Join("ModOrganizer.ini").String())
	require.NoError(t, err)
	assert.Equal(t, w.downloadsDir.String(), cfg.Section("Settings").Key("download_directory").String())

	// Meta sidecar for the matched archive.
	meta, err := ini.Load(w.downloadsDir.Join("core.btar.meta").String())
	require.NoError(t, err)
	assert.Equal(t, "true", meta.Section("General").Key("installed").String())
	assert.Equal(t, "https://unused.example/core.btar", meta.Section("General").Key("directURL").String())
}

func TestInstallDeterministic(t *testing.T) {
	w := newWorld(t)
	payload := []byte("deterministic payload")
	archiveData := testutil.BuildBTAR(3, testutil.BTAREntry{Name: "f.bin", Data: payload})
	w.placeDownload(t, "a.btar", archiveData)

	ml := &modlist.Modlist{
		Name: "Det", Version: "1", GameType: "skyrimse",
		Archives: []modlist.Archive{{
			Name: "a.btar", Hash: base.HashBytes(archiveData), Size: int64(len(archiveData)),
			State: modlist.HTTPState{URL: "https://unused.example/a.btar"},
		}},
		Directives: []modlist.Directive{
			modlist.FromArchive{
				To: "mods/f.bin", Hash: base.HashBytes(payload),
				SourceArchiveHash: base.HashBytes(archiveData), InnerPath: "f.bin",
			},
		},
	}

	require.NoError(t, w.run(t, ml, nil))
	first := w.installed(t, "mods/f.bin")

	// A second run into a fresh install directory with the same downloads
	// produces identical bytes.
	w.installDir = base.AbsolutePath(filepath.Join(t.TempDir(), "install2"))
	require.NoError(t, w.run(t, ml, nil))
	assert.Equal(t, first, w.installed(t, "mods/f.bin"))
}

func TestNestedSourceArchiveResolvesThroughVFS(t *testing.T) {
	w := newWorld(t)
	deep := []byte("payload carried two archives down")
	innerArchive := testutil.BuildBTAR(3, testutil.BTAREntry{Name: "deep.bin", Data: deep})
	outerArchive := testutil.BuildBTAR(3, testutil.BTAREntry{Name: "bundled/inner.btar", Data: innerArchive})
	w.placeDownload(t, "outer.btar", outerArchive)

	// The directive names the nested archive, not the download.
	ml := &modlist.Modlist{
		Name: "Nested", Version: "1", GameType: "skyrimse",
		Archives: []modlist.Archive{{
			Name: "outer.btar", Hash: base.HashBytes(outerArchive), Size: int64(len(outerArchive)),
			State: modlist.HTTPState{URL: "https://unused.example/outer.btar"},
		}},
		Directives: []modlist.Directive{
			modlist.FromArchive{
				To: "mods/deep.bin", Hash: base.HashBytes(deep),
				SourceArchiveHash: base.HashBytes(innerArchive), InnerPath: "deep.bin",
			},
		},
	}

	require.NoError(t, w.run(t, ml, nil))
	assert.Equal(t, deep, w.installed(t, "mods/deep.bin"))
}

func TestPatchSourceHashMismatchIsClear(t *testing.T) {
	w := newWorld(t)
	actual := []byte("the bytes actually in the archive")
	archiveData := testutil.BuildBTAR(3, testutil.BTAREntry{Name: "b0.bin", Data: actual})
	w.placeDownload(t, "a.btar", archiveData)

	ml := &modlist.Modlist{
		Name: "BadBase", Version: "1", GameType: "skyrimse",
		Archives: []modlist.Archive{{
			Name: "a.btar", Hash: base.HashBytes(archiveData), Size: int64(len(archiveData)),
			State: modlist.HTTPState{URL: "https://unused.example/a.btar"},
		}},
		Directives: []modlist.Directive{
			modlist.PatchedFromArchive{
				To: "mods/b1.bin", Hash: base.HashBytes([]byte("whatever")),
				SourceArchiveHash: base.HashBytes(archiveData), InnerPath: "b0.bin",
				FromHash:    base.HashBytes([]byte("a different patch base")),
				PatchBlobID: "patch-b",
			},
		},
	}

	err := w.run(t, ml, map[string][]byte{"patch-b": []byte("not a real patch")})
	require.ErrorIs(t, err, install.ErrHashMismatch)
	assert.Contains(t, err.Error(), "patch source")
}

func TestManualOnlyModlistGates(t *testing.T) {
	w := newWorld(t)
	ml := &modlist.Modlist{
		Name: "Manual", Version: "1", GameType: "skyrimse",
		Archives: []modlist.Archive{
			{Name: "one.7z", Hash: 1, Size: 10, State: modlist.ManualState{URL: "https://a.example/one"}},
			{Name: "two.7z", Hash: 2, Size: 20, State: modlist.ManualState{URL: "https://a.example/two"}},
		},
	}

	bundle, err := modlist.OpenBundle(base.AbsolutePath(testutil.BuildBundle(t, ml, nil)))
	require.NoError(t, err)
	defer bundle.Close()

	installer, err := install.New(install.Configuration{
		Install: w.installDir, Downloads: w.downloadsDir, GameDir: w.gameDir, Bundle: bundle,
	}, w.deps)
	require.NoError(t, err)

	err = installer.Run(context.Background())
	require.ErrorIs(t, err, install.ErrDownloadFailed)
	assert.Len(t, installer.ManualDownloads(), 2)
	assert.Equal(t, 1, install.ExitCode(err))
}

func TestCorruptArchiveRecovery(t *testing.T) {
	w := newWorld(t)
	good := []byte("the genuine archive content, fixed size")
	corrupt := make([]byte, len(good))
	copy(corrupt, good)
	corrupt[0] ^= 0xFF

	var served atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		if served.Add(1) == 1 {
			_, _ = rw.Write(corrupt)
			return
		}
		_, _ = rw.Write(good)
	}))
	defer server.Close()

	// Downloads start with a same-size file whose hash is wrong.
	w.placeDownload(t, "a.bin", corrupt)

	ml := &modlist.Modlist{
		Name: "Recover", Version: "1", GameType: "skyrimse",
		Archives: []modlist.Archive{{
			Name: "a.bin", Hash: base.HashBytes(good), Size: int64(len(good)),
			State: modlist.HTTPState{URL: server.URL},
		}},
	}

	require.NoError(t, w.run(t, ml, nil))

	onDisk, err := os.ReadFile(w.downloadsDir.Join("a.bin").String())
	require.NoError(t, err)
	assert.Equal(t, good, onDisk)
}

func TestCorruptArchiveSecondMissIsFatal(t *testing.T) {
	w := newWorld(t)
	wanted := []byte("what the modlist expects")
	wrong := []byte("not it, and never will be")

	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		_, _ = rw.Write(wrong)
	}))
	defer server.Close()

	ml := &modlist.Modlist{
		Name: "Hopeless", Version: "1", GameType: "skyrimse",
		Archives: []modlist.Archive{{
			Name: "a.bin", Hash: base.HashBytes(wanted), Size: int64(len(wrong)),
			State: modlist.HTTPState{URL: server.URL},
		}},
	}

	err := w.run(t, ml, nil)
	require.ErrorIs(t, err, install.ErrDownloadFailed)
	assert.Equal(t, 1, install.ExitCode(err))
}

func TestCancelledBeforeRun(t *testing.T) {
	w := newWorld(t)
	ml := &modlist.Modlist{Name: "C", Version: "1", GameType: "skyrimse"}
	bundle, err := modlist.OpenBundle(base.AbsolutePath(testutil.BuildBundle(t, ml, nil)))
	require.NoError(t, err)
	defer bundle.Close()

	installer, err := install.New(install.Configuration{
		Install: w.installDir, Downloads: w.downloadsDir, GameDir: w.gameDir, Bundle: bundle,
	}, w.deps)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = installer.Run(ctx)
	require.ErrorIs(t, err, install.ErrCancelled)
	assert.Equal(t, 2, install.ExitCode(err))
}

func TestHashMismatchFatalUnlessAllowListed(t *testing.T) {
	payload := []byte("actual bytes")
	archiveData := testutil.BuildBTAR(3, testutil.BTAREntry{Name: "f.bin", Data: payload})

	ml := func() *modlist.Modlist {
		return &modlist.Modlist{
			Name: "Mismatch", Version: "1", GameType: "skyrimse",
			Archives: []modlist.Archive{{
				Name: "a.btar", Hash: base.HashBytes(archiveData), Size: int64(len(archiveData)),
				State: modlist.HTTPState{URL: "https://unused.example/a.btar"},
			}},
			Directives: []modlist.Directive{
				modlist.FromArchive{
					To: "mods/f.bin", Hash: base.HashBytes([]byte("some other bytes")),
					SourceArchiveHash: base.HashBytes(archiveData), InnerPath: "f.bin",
				},
			},
		}
	}

	t.Run("fatal by default", func(t *testing.T) {
		w := newWorld(t)
		w.placeDownload(t, "a.btar", archiveData)
		err := w.run(t, ml(), nil)
		assert.ErrorIs(t, err, install.ErrHashMismatch)
	})

	t.Run("allow-listed target passes", func(t *testing.T) {
		w := newWorld(t)
		w.placeDownload(t, "a.btar", archiveData)
		bundle, err := modlist.OpenBundle(base.AbsolutePath(testutil.BuildBundle(t, ml(), nil)))
		require.NoError(t, err)
		defer bundle.Close()

		installer, err := install.New(install.Configuration{
			Install: w.installDir, Downloads: w.downloadsDir, GameDir: w.gameDir, Bundle: bundle,
			AllowedModified: []string{"mods/**"},
		}, w.deps)
		require.NoError(t, err)
		require.NoError(t, installer.Run(context.Background()))
		assert.Equal(t, payload, w.installed(t, "mods/f.bin"))
	})
}

func TestGameDirectoryMissing(t *testing.T) {
	w := newWorld(t)
	w.gameDir = base.AbsolutePath(filepath.Join(t.TempDir(), "does-not-exist"))
	ml := &modlist.Modlist{Name: "G", Version: "1", GameType: "skyrimse"}
	err := w.run(t, ml, nil)
	require.ErrorIs(t, err, install.ErrGameMissing)
	assert.Equal(t, 2, install.ExitCode(err))
}
