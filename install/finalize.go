package install

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/modlift/modlift/base"
	"github.com/modlift/modlift/modlist"
)

// managerININame is the mod manager configuration remapped at finalise
// time.
const managerININame = "ModOrganizer.ini"

// graphicsININames are the game configuration files that receive the
// screen-size tweaks, wherever they sit under the install tree.
var graphicsININames = map[string]struct{}{
	"skyrimprefs.ini":   {},
	"fallout4prefs.ini": {},
	"prefs.ini":         {},
}

// finalize is phase 15: portable marker, manager configuration remap,
// remapped inline files, and screen-size tweaks.
func (inst *Installer) finalize(ctx context.Context) error {
	if err := inst.writePortableMarker(); err != nil {
		return err
	}
	if err := inst.remapManagerINI(); err != nil {
		return err
	}
	if err := inst.writeRemappedInlineFiles(ctx); err != nil {
		return err
	}
	return inst.applyScreenSizeTweaks()
}

// writePortableMarker forces the mod manager into portable mode.
func (inst *Installer) writePortableMarker() error {
	target := inst.cfg.Install.Join(PortableMarkerName)
	return atomicWriteFile(target, []byte("portable\n"))
}

// remapManagerINI points the manager's download_directory at the actual
// downloads location.
func (inst *Installer) remapManagerINI() error {
	path := inst.cfg.Install.Join(managerININame)
	cfg, err := ini.LooseLoad(path.String())
	if err != nil {
		return err
	}
	cfg.Section("Settings").Key("download_directory").SetValue(inst.cfg.Downloads.String())
	return cfg.SaveTo(path.String())
}

// writeRemappedInlineFiles lands RemappedInlineFile blobs after template
// substitution. The directive hash covers the pre-substitution blob, so
// that is what gets verified.
func (inst *Installer) writeRemappedInlineFiles(ctx context.Context) error {
	for _, d := range inst.ml.Directives {
		directive, ok := d.(modlist.RemappedInlineFile)
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := inst.cfg.Bundle.ReadBlob(directive.BlobID)
		if err != nil {
			return err
		}
		if directive.Hash.IsValid() {
			if got := base.HashBytes(data); got != directive.Hash {
				return fmt.Errorf("%w: inline blob for %s: got %s want %s",
					ErrHashMismatch, directive.To, got, directive.Hash)
			}
		}
		remapped := inst.substitutePaths(string(data))
		target := inst.resolveTarget(directive.To)
		if err := atomicWriteFile(target, []byte(remapped)); err != nil {
			return err
		}
		if err := inst.deps.Hashes.Write(target, base.HashBytes([]byte(remapped))); err != nil {
			return err
		}
	}
	return nil
}

// substitutePaths replaces the path templates with the run's directories.
// Each template has a native, forward-slash, and doubled-backslash form
// because game configuration files disagree on escaping.
func (inst *Installer) substitutePaths(content string) string {
	pairs := []struct {
		token string
		value string
	}{
		{"GAME_PATH", inst.cfg.GameDir.String()},
		{"INSTALL_PATH", inst.cfg.Install.String()},
		{"DOWNLOADS_PATH", inst.cfg.Downloads.String()},
	}
	for _, pair := range pairs {
		forward := filepath.ToSlash(pair.value)
		doubled := strings.ReplaceAll(pair.value, `\`, `\\`)
		content = strings.ReplaceAll(content, "{"+pair.token+"_FORWARD}", forward)
		content = strings.ReplaceAll(content, "{"+pair.token+"_DOUBLE}", doubled)
		content = strings.ReplaceAll(content, "{"+pair.token+"}", pair.value)
	}
	return content
}

// applyScreenSizeTweaks writes the configured resolution into every known
// graphics INI under the install tree.
func (inst *Installer) applyScreenSizeTweaks() error {
	if inst.cfg.ScreenWidth <= 0 || inst.cfg.ScreenHeight <= 0 {
		return nil
	}
	return filepath.WalkDir(inst.cfg.Install.String(), func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return walkErr
		}
		if _, known := graphicsININames[strings.ToLower(d.Name())]; !known {
			return nil
		}
		cfg, err := ini.Load(path)
		if err != nil {
			return err
		}
		display := cfg.Section("Display")
		display.Key("iSize W").SetValue(fmt.Sprintf("%d", inst.cfg.ScreenWidth))
		display.Key("iSize H").SetValue(fmt.Sprintf("%d", inst.cfg.ScreenHeight))
		inst.log().Debug("applied screen size", "file", d.Name(),
			"width", inst.cfg.ScreenWidth, "height", inst.cfg.ScreenHeight)
		return cfg.SaveTo(path)
	})
}
