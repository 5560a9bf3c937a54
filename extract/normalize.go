package extract

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/modlift/modlift/base"
)

// RepairBackslashNames walks root and rewrites any file whose basename
// contains a raw backslash into the nested directory structure the name
// encodes. One of the native tools emits such names on hosts where the
// backslash is not a separator; the invariant downstream is that no
// basename carries one.
func RepairBackslashNames(root base.AbsolutePath) error {
	type rename struct {
		from string
		to   string
	}
	var pending []rename

	err := filepath.WalkDir(root.String(), func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return walkErr
		}
		name := filepath.Base(path)
		if !strings.Contains(name, "\\") {
			return nil
		}
		parts := make([]string, 0, 4)
		for _, part := range strings.Split(name, "\\") {
			if part == "" {
				continue
			}
			parts = append(parts, part)
		}
		if len(parts) == 0 {
			return nil
		}
		target := filepath.Join(append([]string{filepath.Dir(path)}, parts...)...)
		pending = append(pending, rename{from: path, to: target})
		return nil
	})
	if err != nil {
		return err
	}

	for _, r := range pending {
		if err := os.MkdirAll(filepath.Dir(r.to), 0o755); err != nil {
			return err
		}
		if err := os.Rename(r.from, r.to); err != nil {
			return err
		}
	}
	return nil
}
