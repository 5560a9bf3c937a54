//go:build !unix

package extract

import "github.com/modlift/modlift/base"

// diskFree is unavailable on this platform.
func diskFree(base.AbsolutePath) int64 { return -1 }
