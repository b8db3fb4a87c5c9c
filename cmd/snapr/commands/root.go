package commands

import (
	"context"
	"log/slog"
	"os"

	"snapr-harvest/cmd/snapr/globals"
	"snapr-harvest/internal/components/chrono"
	"snapr-harvest/internal/components/telemetry"
	"snapr-harvest/internal/settings"
	"snapr-harvest/lib/serviceutil"
	libtelemetry "snapr-harvest/lib/telemetry"

	"github.com/spf13/cobra"
)

var (
	settingsPath string
	debug        bool

	exporters libtelemetry.Telemetry
)

var rootCmd = &cobra.Command{
	Use:   "snapr",
	Short: "snapr harvests SNAP-R work items into a CSV file, one ACN at a time.",
	Long: `snapr walks the SNAP-R work item ACNs downwards from a starting ACN, fetching
each one with a bearer token minted by replaying a token request captured from
the browser. Progress is checkpointed so an interrupted harvest can be resumed.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&settingsPath, "settings", settings.DefaultPath,
		"Path of the json5 settings file, a <name>.local.json5 next to it overrides it. When not given it is looked for in the working directory and its parents.",
	)
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging.")

	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(updateTemplateCmd)
	rootCmd.AddCommand(updateRefreshTokenCmd)
	rootCmd.AddCommand(repairConfigCmd)
	rootCmd.AddCommand(statusCmd)
}

func setup(cmd *cobra.Command, _ []string) error {
	logger := libtelemetry.InitSlog(os.Stderr, debug)
	slog.Debug("debug logging enabled")

	var s settings.Settings
	var err error
	path := settingsPath
	if cmd.Flags().Changed("settings") {
		s, err = settings.Load(path)
	} else {
		s, path, err = settings.Find(path)
	}
	if err != nil {
		return err
	}
	slog.Debug("settings loaded", "path", path)

	exporters, err = libtelemetry.Setup(cmd.Context(), "snapr", s.Telemetry)
	if err != nil {
		slog.Warn("failed to setup otlp export, continuing without it", "err", err)
	}

	cmd.SetContext(globals.Set(cmd.Context(), &globals.Value{
		Settings:     s,
		SettingsPath: path,
		Tel:          telemetry.NewSlogAPI(logger),
		Clock:        chrono.NewStandardImpl(),
	}))
	return nil
}

func Execute() {
	ctx, stop := serviceutil.SignalContext(context.Background())
	err := rootCmd.ExecuteContext(ctx)
	stop()

	shutdownErr := exporters.Shutdown(context.Background())
	if shutdownErr != nil {
		slog.Warn("failed to flush telemetry", "err", shutdownErr)
	}
	if err != nil {
		serviceutil.Fatal("snapr", err)
	}
}
