package modlist

import "errors"

// Sentinel errors for modlist parsing. Use errors.Is in callers.
var (
	// ErrUnknownDirective means a directive carried an unrecognised $type.
	ErrUnknownDirective = errors.New("unknown directive type")
	// ErrUnknownState means an archive state carried an unrecognised $type.
	ErrUnknownState = errors.New("unknown archive state type")
	// ErrDuplicateTarget means two directives resolve to the same target path.
	ErrDuplicateTarget = errors.New("duplicate directive target")
	// ErrMissingModlistEntry means the bundle has no top-level modlist entry.
	ErrMissingModlistEntry = errors.New("bundle missing modlist entry")
	// ErrBlobNotFound means an inline blob id is not present in the bundle.
	ErrBlobNotFound = errors.New("inline blob not found")
)
