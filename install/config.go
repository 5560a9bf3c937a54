package install

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/modlift/modlift/base"
	"github.com/modlift/modlift/modlist"
)

// Configuration is the immutable input of one install run.
type Configuration struct {
	// Install is the target directory; created when absent.
	Install base.AbsolutePath
	// Downloads holds the archives; created when absent.
	Downloads base.AbsolutePath
	// GameDir locates the game installation. When empty it is resolved
	// from the modlist's game type against the known location registry.
	GameDir base.AbsolutePath

	// Bundle is the opened modlist bundle.
	Bundle *modlist.Bundle

	// System parameters folded into game configuration at finalise time.
	ScreenWidth   int
	ScreenHeight  int
	VideoMemoryMB int64

	// AllowedModified lists path patterns whose installed files may
	// legitimately differ from their directive hash.
	AllowedModified []string
}

// gameFolderNames maps a game type to the directory names its
// installations use, probed under the common library roots.
var gameFolderNames = map[string][]string{
	"morrowind":  {"Morrowind"},
	"oblivion":   {"Oblivion"},
	"skyrim":     {"Skyrim"},
	"skyrimse":   {"Skyrim Special Edition"},
	"fallout4":   {"Fallout 4"},
	"falloutnv":  {"Fallout New Vegas"},
	"starfield":  {"Starfield"},
}

// libraryRoots are the locations probed for game folders, relative to the
// user's home directory.
var libraryRoots = []string{
	filepath.Join(".steam", "steam", "steamapps", "common"),
	filepath.Join(".local", "share", "Steam", "steamapps", "common"),
	"Games",
}

// resolveGameDir finds the game installation for the given game type.
func resolveGameDir(gameType string) (base.AbsolutePath, error) {
	names, ok := gameFolderNames[gameType]
	if !ok {
		return "", fmt.Errorf("%w: unknown game type %q", ErrGameMissing, gameType)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrGameMissing, err)
	}
	for _, root := range libraryRoots {
		for _, name := range names {
			candidate := filepath.Join(home, root, name)
			if info, statErr := os.Stat(candidate); statErr == nil && info.IsDir() {
				return base.AbsolutePath(candidate), nil
			}
		}
	}
	return "", fmt.Errorf("%w: no installation of %q found", ErrGameMissing, gameType)
}

// ensureWritableDir creates the directory when absent and probes that it
// accepts writes.
func ensureWritableDir(dir base.AbsolutePath) error {
	if err := os.MkdirAll(dir.String(), 0o755); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrConfiguration, dir, err)
	}
	probe, err := os.CreateTemp(dir.String(), ".write-probe-*")
	if err != nil {
		return fmt.Errorf("%w: %s is not writable", ErrConfiguration, dir)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return nil
}
