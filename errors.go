package modlift

import (
	"github.com/modlift/modlift/download"
	"github.com/modlift/modlift/extract"
	"github.com/modlift/modlift/install"
)

// Errors re-exported from install.
var (
	// ErrCancelled is returned when a run is cancelled at a phase boundary.
	ErrCancelled = install.ErrCancelled

	// ErrDownloadFailed is returned when required archives cannot be obtained.
	ErrDownloadFailed = install.ErrDownloadFailed

	// ErrGameMissing is returned when the game directory cannot be resolved.
	ErrGameMissing = install.ErrGameMissing

	// ErrGameInvalid is returned when the resolved game directory is unusable.
	ErrGameInvalid = install.ErrGameInvalid

	// ErrHashMismatch is returned when an installed file fails verification.
	ErrHashMismatch = install.ErrHashMismatch
)

// Errors re-exported from extract.
var (
	// ErrInvalidFormat is returned for unrecognised archive formats.
	ErrInvalidFormat = extract.ErrInvalidFormat

	// ErrMalformedBTAR is returned when a BTAR stream violates its framing.
	ErrMalformedBTAR = extract.ErrMalformedBTAR
)

// Errors re-exported from download.
var (
	// ErrManualDownload is returned for archives that need user delivery.
	ErrManualDownload = download.ErrManualDownload

	// ErrArchiveNotFound is returned when a source permanently lacks an archive.
	ErrArchiveNotFound = download.ErrArchiveNotFound
)

// ExitCode maps a Run error to the process exit convention.
var ExitCode = install.ExitCode
