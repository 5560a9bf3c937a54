package install

import (
	"context"
	"os"

	"gopkg.in/ini.v1"

	"github.com/modlift/modlift/base"
	"github.com/modlift/modlift/modlist"
)

// writeMetaFiles reconciles every downloads-directory file with the
// modlist (phase 12): matches get installed=true plus the source's ini
// lines, strangers get removed=true unless a user-maintained meta already
// exists without the removed key.
func (inst *Installer) writeMetaFiles(ctx context.Context) error {
	files, err := downloadsFiles(inst.cfg.Downloads)
	if err != nil {
		return err
	}

	bySize := make(map[int64][]modlist.Archive)
	for _, archive := range inst.ml.Archives {
		bySize[archive.Size] = append(bySize[archive.Size], archive)
	}

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := os.Stat(path.String())
		if err != nil {
			return err
		}

		// Size filters first; only candidates pay for a hash.
		var matched *modlist.Archive
		if candidates := bySize[info.Size()]; len(candidates) > 0 {
			hash, err := inst.deps.Hashes.ComputeOrCache(ctx, path)
			if err != nil {
				return err
			}
			for i := range candidates {
				if candidates[i].Hash == hash {
					matched = &candidates[i]
					break
				}
			}
		}

		if matched != nil {
			if err := inst.writeMetaFor(*matched, path, true); err != nil {
				return err
			}
			continue
		}
		if err := inst.writeRemovedMeta(path); err != nil {
			return err
		}
	}
	return nil
}

// writeMetaFor writes the .meta sidecar for a matched archive.
func (inst *Installer) writeMetaFor(archive modlist.Archive, path base.AbsolutePath, installed bool) error {
	lines, err := inst.deps.Downloads.MetaINI(archive)
	if err != nil {
		return err
	}

	cfg := ini.Empty()
	general, err := cfg.NewSection("General")
	if err != nil {
		return err
	}
	if installed {
		if _, err := general.NewKey("installed", "true"); err != nil {
			return err
		}
	}
	for _, line := range lines {
		key, value, ok := cutKeyValue(line)
		if !ok {
			continue
		}
		if _, err := general.NewKey(key, value); err != nil {
			return err
		}
	}
	return cfg.SaveTo(path.String() + ".meta")
}

// writeRemovedMeta marks an unmatched download as removed, unless the user
// maintains the sidecar themselves.
func (inst *Installer) writeRemovedMeta(path base.AbsolutePath) error {
	metaPath := path.String() + ".meta"
	if existing, err := ini.Load(metaPath); err == nil {
		if !existing.Section("General").HasKey("removed") {
			// A user-maintained sidecar; leave it alone.
			return nil
		}
	}
	cfg := ini.Empty()
	general, err := cfg.NewSection("General")
	if err != nil {
		return err
	}
	if _, err := general.NewKey("removed", "true"); err != nil {
		return err
	}
	return cfg.SaveTo(metaPath)
}

// cutKeyValue splits one "key=value" meta line.
func cutKeyValue(line string) (key, value string, ok bool) {
	for i := range len(line) {
		if line[i] == '=' {
			return line[:i], line[i+1:], true
		}
	}
	return "", "", false
}
