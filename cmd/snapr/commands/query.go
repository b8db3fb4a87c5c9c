package commands

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"snapr-harvest/cmd/snapr/globals"
	"snapr-harvest/cmd/snapr/utils"
	"snapr-harvest/internal/harvest"
	"snapr-harvest/internal/sink"
	"snapr-harvest/internal/tokens"
	"snapr-harvest/lib/acn"
	libtelemetry "snapr-harvest/lib/telemetry"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var queryFlags struct {
	start  string
	output string
	token  string
	limit  int
	resume bool
}

func init() {
	flags := queryCmd.Flags()
	flags.StringVarP(&queryFlags.start, "start-acn", "s", "", "The ACN to start querying from (default from settings, Z1865690)")
	flags.StringVarP(&queryFlags.output, "output", "o", "", "The path of the CSV file, .csv is added when missing (default from settings, ./output)")
	flags.StringVarP(&queryFlags.token, "token", "t", "", "A bearer token to use instead of obtaining one with the stored template")
	flags.IntVarP(&queryFlags.limit, "limit", "l", 0, "Stop once this many records have been processed, resumed records included")
	flags.BoolVarP(&queryFlags.resume, "resume", "r", false, "Resume from the last save point")
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query work items from an ACN downwards until one is not found, appending them to a CSV file.",
	Example: `  snapr query                       # run with default settings
  snapr query --start-acn Z1865690  # start from a specific ACN
  snapr query --resume              # resume from the last save point
  snapr query --limit 100           # stop after 100 records`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		g := globals.Get(cmd.Context())
		ctx := cmd.Context()

		start := queryFlags.start
		if start == "" {
			start = g.Settings.StartACN
		}
		startId, err := acn.Parse(start)
		if err != nil {
			return err
		}
		output := queryFlags.output
		if output == "" {
			output = g.Settings.Output
		}

		provider, err := g.Provider()
		if err != nil {
			return err
		}

		var out sink.Sink = sink.NewCSVSink(g.Tel)
		if g.Settings.SqliteMirror != "" {
			err = os.MkdirAll(filepath.Dir(g.Settings.SqliteMirror), 0777)
			if err != nil {
				return err
			}
			mirror, err := sink.OpenSQLiteSink(g.Settings.SqliteMirror, g.Clock, g.Tel)
			if err != nil {
				return fmt.Errorf("open sqlite mirror: %w", err)
			}
			defer mirror.Close()
			out = sink.MultiSink{out, mirror}
		}

		if g.Settings.Telemetry.Otlp.Metrics.Enabled() {
			err = libtelemetry.InstrumentPerfStats(ctx, time.Second*30)
			if err != nil {
				slog.Warn("failed to instrument perf stats", "err", err)
			}
		}

		harvester, err := harvest.NewHarvester(
			harvest.NewClient(g.Settings.ClientOptions(), g.Tel),
			provider,
			g.Checkpoints(),
			out,
			g.Clock,
			g.Settings.HarvestSettings(),
			g.Tel,
		)
		if err != nil {
			return err
		}

		result, err := harvester.Run(ctx, harvest.Options{
			Start:      startId,
			OutputPath: output,
			Token:      queryFlags.token,
			Limit:      queryFlags.limit,
			Resume:     queryFlags.resume,
		})
		printSummary(cmd.OutOrStdout(), result)

		if errors.Is(err, harvest.ErrCredential) {
			printCredentialHint(err)
		}
		if errors.Is(err, harvest.ErrInterrupted) {
			slog.Info("run 'snapr query --resume' to continue where this run stopped")
		}
		return err
	},
}

func printSummary(w io.Writer, result harvest.Result) {
	stoppedAt := result.Final.String()
	if result.Exhausted {
		stoppedAt += " (exhausted)"
	}

	t := utils.NewTable(w)
	t.AppendHeader(table.Row{"State", "Processed", "Written this run", "Stopped at", "Output"})
	t.AppendRow(table.Row{
		result.State.String(),
		result.Count,
		result.Records,
		stoppedAt,
		result.Output,
	})
	t.Render()
}

func printCredentialHint(err error) {
	switch {
	case errors.Is(err, tokens.ErrInvalidTemplate), errors.Is(err, tokens.ErrInvalidConfig):
		slog.Error("the stored token request is unusable, replace it with 'snapr update-token-template'")
	case errors.Is(err, tokens.ErrTokenMissing), errors.Is(err, tokens.ErrTokenParse):
		slog.Error(
			"the token endpoint did not hand out a token, the refresh token has probably expired",
			"fix", "snapr update-refresh-token <token> or snapr update-token-template <curl command>",
		)
		slog.Info("if the template looks corrupted, 'snapr repair-config' may fix it")
	default:
		slog.Error("could not obtain a token, update the token request with 'snapr update-token-template'")
	}
	slog.Info("the save point has been written, run 'snapr query --resume' once the token request is fixed")
}
