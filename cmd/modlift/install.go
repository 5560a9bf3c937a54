package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/modlift/modlift"
	"github.com/modlift/modlift/base"
	"github.com/modlift/modlift/extract"
	"github.com/modlift/modlift/install"
	"github.com/modlift/modlift/modlist"
)

func installCmd() *cobra.Command {
	var (
		bundlePath   string
		installDir   string
		downloadsDir string
		gameDir      string
		archiveTool  string
		fallbackTool string
		payloadTool  string
		width        int
		height       int
	)

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install a modlist bundle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			s, err := loadSettings()
			if err != nil {
				return err
			}
			bundle, err := modlist.OpenBundle(base.AbsolutePath(bundlePath))
			if err != nil {
				return err
			}
			defer bundle.Close()

			tools := extract.ToolSet{
				Archive:         base.AbsolutePath(archiveTool),
				ArchiveFallback: base.AbsolutePath(fallbackTool),
				Payload:         base.AbsolutePath(payloadTool),
			}
			engine, err := modlift.NewEngine(s, tools,
				modlift.WithEngineLogger(newLogger()),
				modlift.WithGameDir(base.AbsolutePath(gameDir)))
			if err != nil {
				return err
			}
			defer engine.Close()

			installer, err := engine.NewInstaller(install.Configuration{
				Install:      base.AbsolutePath(installDir),
				Downloads:    base.AbsolutePath(downloadsDir),
				GameDir:      base.AbsolutePath(gameDir),
				Bundle:       bundle,
				ScreenWidth:  width,
				ScreenHeight: height,
			})
			if err != nil {
				return err
			}

			err = installer.Run(ctx)
			if errors.Is(err, install.ErrDownloadFailed) {
				for _, archive := range installer.ManualDownloads() {
					fmt.Fprintf(cmd.OutOrStdout(), "manual download required: %s (%s)\n",
						archive.Name, archive.State.PrimaryKeyString())
				}
			}
			return err
		},
	}

	cmd.Flags().StringVar(&bundlePath, "modlist", "", "path to the .modlist bundle")
	cmd.Flags().StringVar(&installDir, "install", "", "install directory")
	cmd.Flags().StringVar(&downloadsDir, "downloads", "", "downloads directory")
	cmd.Flags().StringVar(&gameDir, "game", "", "game directory (resolved from the modlist when omitted)")
	cmd.Flags().StringVar(&archiveTool, "archive-tool", "/usr/bin/7z", "native archive tool")
	cmd.Flags().StringVar(&fallbackTool, "archive-tool-fallback", "", "alternate archive tool for encoding fallback")
	cmd.Flags().StringVar(&payloadTool, "payload-tool", "", "installer-payload tool")
	cmd.Flags().IntVar(&width, "screen-width", 0, "screen width written into game configuration")
	cmd.Flags().IntVar(&height, "screen-height", 0, "screen height written into game configuration")
	_ = cmd.MarkFlagRequired("modlist")
	_ = cmd.MarkFlagRequired("install")
	_ = cmd.MarkFlagRequired("downloads")
	return cmd
}
