package extract

import "errors"

// Sentinel errors for extraction. Use errors.Is in callers.
var (
	// ErrInvalidFormat means the source is not a recognised archive format.
	ErrInvalidFormat = errors.New("invalid file format")
	// ErrMalformedBTAR means a BTAR stream violates its framing.
	ErrMalformedBTAR = errors.New("malformed BTAR stream")
	// ErrMalformedOMOD means an OMOD container violates its layout.
	ErrMalformedOMOD = errors.New("malformed OMOD container")
	// ErrEntriesMissing means the native tool delivered fewer entries than
	// requested, even after the encoding fallback.
	ErrEntriesMissing = errors.New("extraction did not deliver all requested entries")
	// ErrToolFailed means the native tool exited non-zero after retries.
	ErrToolFailed = errors.New("native tool failed")
	// ErrHandleConsumed means Move was called on an already-moved handle.
	ErrHandleConsumed = errors.New("extracted file handle already consumed")
)
