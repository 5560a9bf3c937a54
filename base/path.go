// Package base holds the leaf primitives shared by every subsystem: content
// hashes, typed paths, stream factories, scoped temporary directories, and
// the file-signature recogniser.
package base

import (
	"path/filepath"
	"strings"
)

// RelativePath is a slash-separated path relative to some root. A backslash
// inside a RelativePath is a data byte, not a separator; some native tools
// emit entry names containing raw backslashes and those names must survive
// until the repair pass rewrites them.
type RelativePath string

// AbsolutePath is a platform-native absolute path. RelativePath and
// AbsolutePath are deliberately not interconvertible without an explicit
// join or relativize call.
type AbsolutePath string

// NewRelativePath normalises a user-provided path into canonical form:
// forward slashes collapsed, leading and trailing separators trimmed.
// Backslashes are preserved as data.
func NewRelativePath(s string) RelativePath {
	parts := strings.Split(s, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return RelativePath(strings.Join(out, "/"))
}

// String returns the canonical slash form.
func (p RelativePath) String() string { return string(p) }

// Join appends further elements to the path.
func (p RelativePath) Join(elems ...string) RelativePath {
	joined := string(p)
	for _, e := range elems {
		e = strings.Trim(e, "/")
		if e == "" {
			continue
		}
		if joined == "" {
			joined = e
			continue
		}
		joined += "/" + e
	}
	return RelativePath(joined)
}

// Parent returns the directory portion, or "" for a top-level name.
func (p RelativePath) Parent() RelativePath {
	if i := strings.LastIndex(string(p), "/"); i >= 0 {
		return p[:i]
	}
	return ""
}

// Base returns the last element of the path.
func (p RelativePath) Base() string {
	if i := strings.LastIndex(string(p), "/"); i >= 0 {
		return string(p[i+1:])
	}
	return string(p)
}

// Extension returns the lowercase extension including the dot, or "".
func (p RelativePath) Extension() string {
	return strings.ToLower(filepath.Ext(p.Base()))
}

// TopParent returns the first element of the path.
func (p RelativePath) TopParent() string {
	if i := strings.Index(string(p), "/"); i >= 0 {
		return string(p[:i])
	}
	return string(p)
}

// RelativeTo resolves the path against a root directory.
func (p RelativePath) RelativeTo(root AbsolutePath) AbsolutePath {
	return AbsolutePath(filepath.Join(string(root), filepath.FromSlash(string(p))))
}

// EqualFold reports case-insensitive equality, the comparison game data
// uses for entry names.
func (p RelativePath) EqualFold(other RelativePath) bool {
	return strings.EqualFold(string(p), string(other))
}

// NewAbsolutePath cleans a native path into absolute form.
func NewAbsolutePath(s string) (AbsolutePath, error) {
	abs, err := filepath.Abs(s)
	if err != nil {
		return "", err
	}
	return AbsolutePath(abs), nil
}

// String returns the native form.
func (p AbsolutePath) String() string { return string(p) }

// Join appends native path elements.
func (p AbsolutePath) Join(elems ...string) AbsolutePath {
	return AbsolutePath(filepath.Join(append([]string{string(p)}, elems...)...))
}

// Parent returns the containing directory.
func (p AbsolutePath) Parent() AbsolutePath {
	return AbsolutePath(filepath.Dir(string(p)))
}

// Base returns the final element.
func (p AbsolutePath) Base() string { return filepath.Base(string(p)) }

// Extension returns the lowercase extension including the dot, or "".
func (p AbsolutePath) Extension() string {
	return strings.ToLower(filepath.Ext(string(p)))
}

// RelativeTo expresses the path relative to root. The result uses forward
// slashes regardless of platform.
func (p AbsolutePath) RelativeTo(root AbsolutePath) (RelativePath, error) {
	rel, err := filepath.Rel(string(root), string(p))
	if err != nil {
		return "", err
	}
	return RelativePath(filepath.ToSlash(rel)), nil
}
