// Command modlift is the thin verb surface over the installer engine.
package main

import (
	"fmt"
	"os"

	"github.com/modlift/modlift/install"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(install.ExitCode(err))
	}
}
