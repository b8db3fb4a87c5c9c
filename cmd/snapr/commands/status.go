package commands

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"net/url"
	"os"
	"strings"
	"time"

	"snapr-harvest/cmd/snapr/globals"
	"snapr-harvest/cmd/snapr/utils"
	"snapr-harvest/internal/tokens"
	"snapr-harvest/lib/configutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var clearCheckpoint bool

func init() {
	statusCmd.Flags().BoolVar(&clearCheckpoint, "clear", false, "Delete the save point so the next --resume starts fresh")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the settings, the stored token request and the save point.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		g := globals.Get(cmd.Context())

		if clearCheckpoint {
			err := g.Checkpoints().Clear()
			if err != nil {
				return err
			}
			slog.Info("save point cleared", "path", g.Settings.CheckpointPath)
		}

		return renderStatus(cmd.OutOrStdout(), g)
	},
}

func fileState(path string) string {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "missing"
	}
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("%d bytes, modified %s", info.Size(), info.ModTime().Format(time.DateTime))
}

func renderStatus(w io.Writer, g *globals.Value) error {
	t := utils.NewTable(w)
	t.AppendHeader(table.Row{"", "", ""})

	settingsState := fileState(g.SettingsPath)
	if localState := fileState(configutil.LocalPath(g.SettingsPath)); localState != "missing" {
		settingsState += ", local override " + localState
	}
	t.AppendRow(table.Row{"Settings", g.SettingsPath, settingsState})
	t.AppendRow(table.Row{"", "base url", g.Settings.BaseURL})
	t.AppendRow(table.Row{"", "token replayer", g.Settings.Token.Replayer})
	t.AppendSeparator()

	store := g.ConfigStore()
	configState := fileState(store.Path())
	t.AppendRow(table.Row{"Token request", store.Path(), configState})
	if configState == "missing" {
		// Load would write the default template, status only looks
		t.AppendRow(table.Row{"", "template", "none yet, run 'snapr update-refresh-token' or 'snapr update-token-template'"})
	} else {
		appendTemplateRows(t, store)
	}
	t.AppendSeparator()

	checkpoints := g.Checkpoints()
	cp, ok := checkpoints.Load()
	if !ok {
		t.AppendRow(table.Row{"Save point", checkpoints.Path(), "none"})
	} else {
		secs, frac := math.Modf(cp.Timestamp)
		savedAt := time.Unix(int64(secs), int64(frac*1e9))
		t.AppendRow(table.Row{"Save point", checkpoints.Path(), savedAt.Format(time.DateTime)})
		t.AppendRow(table.Row{"", "next acn", cp.CurrentACN})
		t.AppendRow(table.Row{"", "processed", cp.Count})
		t.AppendRow(table.Row{"", "output", strings.TrimSpace(cp.OutputPath)})
		t.AppendRow(table.Row{"", "output file", fileState(cp.OutputPath)})
	}

	t.Render()
	return nil
}

func appendTemplateRows(t table.Writer, store tokens.ConfigStore) {
	config, err := store.Load()
	if err != nil {
		t.AppendRow(table.Row{"", "error", err.Error()})
		return
	}

	template := config.CurlCommand
	t.AppendRow(table.Row{"", "parts", len(template)})
	if len(template) > 1 {
		endpoint := template[1]
		if parsed, err := url.Parse(endpoint); err == nil && parsed.Host != "" {
			endpoint = parsed.Host + parsed.Path
		}
		t.AppendRow(table.Row{"", "endpoint", endpoint})
	}
	refreshToken, ok := template.RefreshToken()
	switch {
	case !ok:
		t.AppendRow(table.Row{"", "refresh token", "none (authorization code template)"})
	case refreshToken == "":
		t.AppendRow(table.Row{"", "refresh token", "empty, run 'snapr update-refresh-token'"})
	default:
		t.AppendRow(table.Row{"", "refresh token", utils.Mask(refreshToken)})
	}
	if _, fixable := template.Repair(); fixable {
		t.AppendRow(table.Row{"", "problems", "malformed refresh token, run 'snapr repair-config'"})
	}
}
