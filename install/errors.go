package install

import "errors"

// Terminal install outcomes. Use errors.Is in callers; ExitCode maps them
// to the process exit convention.
var (
	// ErrCancelled means the run was cancelled at a phase boundary.
	ErrCancelled = errors.New("install cancelled")
	// ErrDownloadFailed means required archives could not be obtained,
	// including the manual-download gate and second-chance corruption
	// recovery running dry.
	ErrDownloadFailed = errors.New("download failed")
	// ErrGameMissing means the game directory could not be resolved.
	ErrGameMissing = errors.New("game directory missing")
	// ErrGameInvalid means the resolved game directory is not usable.
	ErrGameInvalid = errors.New("game directory invalid")
	// ErrHashMismatch means a directive-produced file failed verification
	// and is not on the known-modified allow-list.
	ErrHashMismatch = errors.New("installed file hash mismatch")
	// ErrConfiguration means the install or downloads directory is not
	// writable.
	ErrConfiguration = errors.New("invalid installer configuration")
)

// ExitCode maps a Run error to the process exit convention: 0 success,
// 1 manual downloads required, 2 other failures.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrDownloadFailed):
		return 1
	default:
		return 2
	}
}
