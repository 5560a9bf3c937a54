package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/modlift/modlift/base"
)

func hashFileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-file <path>",
		Short: "Print the engine fingerprint of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			hash, size, err := base.HashReader(f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %d  %s\n", hash, size, args[0])
			return nil
		},
	}
}
