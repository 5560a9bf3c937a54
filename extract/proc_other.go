//go:build !unix

package extract

import "os/exec"

// configureProcessGroup has no portable process-group control here; the
// context cancellation kills the direct child only.
func configureProcessGroup(*exec.Cmd) {}
