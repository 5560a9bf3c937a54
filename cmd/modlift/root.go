package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/modlift/modlift/settings"
)

var (
	flagConfig  string
	flagVerbose bool
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "modlift",
		Short:         "Reproducible modlist installer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flagConfig, "config", "", "settings file")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(installCmd())
	cmd.AddCommand(validateCmd())
	cmd.AddCommand(hashFileCmd())
	return cmd
}

func loadSettings() (settings.Settings, error) {
	return settings.Load(flagConfig)
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
