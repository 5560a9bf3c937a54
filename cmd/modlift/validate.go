package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/modlift/modlift/base"
	"github.com/modlift/modlift/modlist"
)

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <bundle>",
		Short: "Parse a modlist bundle and report its contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := modlist.OpenBundle(base.AbsolutePath(args[0]))
			if err != nil {
				return err
			}
			defer bundle.Close()

			ml := bundle.Modlist()
			manual := 0
			for _, archive := range ml.Archives {
				if _, ok := archive.State.(modlist.ManualState); ok {
					manual++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", ml.Name, ml.Version, ml.GameType)
			fmt.Fprintf(cmd.OutOrStdout(), "archives: %d (%d manual)\n", len(ml.Archives), manual)
			fmt.Fprintf(cmd.OutOrStdout(), "directives: %d\n", len(ml.Directives))
			return nil
		},
	}
	return cmd
}
