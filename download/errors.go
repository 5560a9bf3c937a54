package download

import "errors"

// Sentinel errors for the download dispatcher. Use errors.Is in callers.
var (
	// ErrManualDownload means the archive's state requires user delivery.
	ErrManualDownload = errors.New("archive requires manual download")
	// ErrNoDownloader means no registered downloader serves the state.
	ErrNoDownloader = errors.New("no downloader for archive state")
	// ErrArchiveNotFound means the remote reported the archive permanently
	// absent. Absence is not an authentication problem; it is never
	// downgraded to manual.
	ErrArchiveNotFound = errors.New("archive not found at source")
	// ErrHashMismatch means the downloaded file does not carry the
	// expected fingerprint.
	ErrHashMismatch = errors.New("downloaded archive hash mismatch")
	// ErrRangeUnsupported means the remote cannot serve byte ranges.
	ErrRangeUnsupported = errors.New("range requests not supported")
	// ErrUnknownURI means Parse could not recognise a source descriptor.
	ErrUnknownURI = errors.New("unrecognised source URI")
)
