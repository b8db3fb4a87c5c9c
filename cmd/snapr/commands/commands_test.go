package commands

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"snapr-harvest/internal/checkpoint"
	"snapr-harvest/internal/components/chrono"
	"snapr-harvest/internal/components/telemetry"
	"snapr-harvest/internal/harvest"
	"snapr-harvest/internal/sink"
	"snapr-harvest/internal/tokens"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

type workspace struct {
	settings   string
	config     string
	checkpoint string
}

func newWorkspace(t testing.TB) workspace {
	dir := t.TempDir()
	w := workspace{
		settings:   filepath.Join(dir, "snapr.json5"),
		config:     filepath.Join(dir, "snapr_config.json"),
		checkpoint: filepath.Join(dir, "snapr_save_point.json"),
	}
	w.writeSettings(t, "")
	return w
}

func (w workspace) dir() string {
	return filepath.Dir(w.settings)
}

// writeSettings writes the settings file, extra is spliced into the top level object.
func (w workspace) writeSettings(t testing.TB, extra string) {
	err := os.WriteFile(w.settings, []byte(fmt.Sprintf(`{
		config_path: %q,
		checkpoint_path: %q,
		token: { replayer: "http" },
		%s
	}`, w.config, w.checkpoint, extra)), 0644)
	require.NoError(t, err)
}

// resetFlags puts every flag back to its default, cobra keeps parsed values
// around between executions of the same command tree.
func resetFlags(t testing.TB, cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		require.NoError(t, f.Value.Set(f.DefValue))
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(t, sub)
	}
}

func run(t testing.TB, w workspace, args ...string) (string, error) {
	resetFlags(t, rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--settings", w.settings))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func loadTemplate(t testing.TB, w workspace) tokens.Template {
	config, err := tokens.NewConfigStore(w.config, &telemetry.MemoryAPI{}).Load()
	require.NoError(t, err)
	return config.CurlCommand
}

func TestRepairConfig(t *testing.T) {
	w := newWorkspace(t)
	store := tokens.NewConfigStore(w.config, &telemetry.MemoryAPI{})
	err := store.Save(tokens.Config{CurlCommand: tokens.Template{
		"curl", "https://example.com/token",
		"--data-raw", `grant_type=refresh_token&refresh_token={"refresh_token":"abc123"}`,
	}})
	require.NoError(t, err)

	_, err = run(t, w, "repair-config")
	require.NoError(t, err)
	require.Equal(t, "grant_type=refresh_token&refresh_token=abc123", loadTemplate(t, w)[3])

	// running it again finds nothing to fix
	_, err = run(t, w, "fix-config")
	require.NoError(t, err)
	require.Equal(t, "grant_type=refresh_token&refresh_token=abc123", loadTemplate(t, w)[3])
}

func TestUpdateRefreshToken(t *testing.T) {
	w := newWorkspace(t)

	_, err := run(t, w, "uu", "my-refresh-token", "--no-verify")
	require.NoError(t, err)
	require.Equal(t, tokens.RefreshTemplate("my-refresh-token"), loadTemplate(t, w))
}

func TestUpdateTokenTemplate(t *testing.T) {
	w := newWorkspace(t)

	_, err := run(
		t, w, "update-curl",
		`curl 'https://example.com/token' -H 'Accept: */*' --data-raw 'grant_type=refresh_token&refresh_token=r1'`,
		"--no-verify",
	)
	require.NoError(t, err)
	require.Equal(t, tokens.Template{
		"curl", "https://example.com/token",
		"-H", "Accept: */*",
		"--data-raw", "grant_type=refresh_token&refresh_token=r1",
	}, loadTemplate(t, w))

	_, err = run(t, w, "update-token-template", "wget https://example.com", "--no-verify")
	require.ErrorIs(t, err, tokens.ErrInvalidTemplate)
}

func TestStatus(t *testing.T) {
	w := newWorkspace(t)
	err := os.WriteFile(
		w.checkpoint,
		[]byte(`{"current_acn": "Z1865600", "output_path": "./output.csv", "count": 90, "timestamp": 1742472000.5}`),
		0644,
	)
	require.NoError(t, err)

	out, err := run(t, w, "status")
	require.NoError(t, err)
	require.Contains(t, out, "Z1865600")
	require.Contains(t, out, "90")

	_, err = run(t, w, "status", "--clear")
	require.NoError(t, err)
	_, err = os.Stat(w.checkpoint)
	require.ErrorIs(t, err, os.ErrNotExist)

	// --clear does not carry over into the next invocation
	err = os.WriteFile(w.checkpoint, []byte(`{"current_acn": "Z10", "output_path": "./output.csv", "count": 1, "timestamp": 1}`), 0644)
	require.NoError(t, err)
	_, err = run(t, w, "status")
	require.NoError(t, err)
	require.FileExists(t, w.checkpoint)
}

func TestStatusDoesNotWrite(t *testing.T) {
	w := newWorkspace(t)

	out, err := run(t, w, "status")
	require.NoError(t, err)
	require.Contains(t, out, "missing")
	require.NoFileExists(t, w.config)
	require.NoFileExists(t, w.checkpoint)
}

// recordAPI serves {"acn": ..., "title": ...} for the bearer token "tok" and 401
// for anything else, its token endpoint is always down.
func recordAPI(t testing.TB) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, "token endpoint down")
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/")
		w.Header().Set("content-type", "application/json")
		fmt.Fprintf(w, `{"acn": %q, "title": "item %s"}`, id, id)
	}))
	t.Cleanup(server.Close)
	return server
}

func countRows(t testing.TB, path string) int {
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return len(rows) - 1
}

func TestQuery(t *testing.T) {
	server := recordAPI(t)
	w := newWorkspace(t)
	mirror := filepath.Join(w.dir(), "mirror", "records.db")
	w.writeSettings(t, fmt.Sprintf(
		`base_url: %q, sqlite_mirror: %q, delay: { min_ms: 0, max_ms: 1 }, retry: { count: 0 },`,
		server.URL, mirror,
	))

	output := filepath.Join(w.dir(), "items")
	out, err := run(t, w, "query", "-s", "Z100", "-o", output, "-t", "tok", "-l", "3")
	require.NoError(t, err)
	require.Contains(t, out, "DONE")
	require.Contains(t, out, "Z97")

	require.Equal(t, 3, countRows(t, output+".csv"))

	db, err := sink.OpenSQLiteSink(mirror, chrono.NewStandardImpl(), &telemetry.MemoryAPI{})
	require.NoError(t, err)
	defer db.Close()
	var mirrored int
	require.NoError(t, db.DB().QueryRow("select count(*) from records").Scan(&mirrored))
	require.Equal(t, 3, mirrored)

	t.Run("failed refresh", func(t *testing.T) {
		store := tokens.NewConfigStore(w.config, &telemetry.MemoryAPI{})
		err := store.Save(tokens.Config{CurlCommand: tokens.Template{
			"curl", server.URL + "/token",
			"--data-raw", "grant_type=refresh_token&refresh_token=r",
		}})
		require.NoError(t, err)

		failed := filepath.Join(w.dir(), "failed")
		_, err = run(t, w, "query", "-s", "Z50", "-o", failed, "-t", "expired")
		require.ErrorIs(t, err, harvest.ErrCredential)
		require.ErrorIs(t, err, tokens.ErrTokenParse)
		require.NoFileExists(t, failed+".csv")

		// the save point lets the run be resumed once the template is fixed
		cp, ok := checkpoint.NewStore(w.checkpoint, chrono.NewStandardImpl(), &telemetry.MemoryAPI{}).Load()
		require.True(t, ok)
		require.Equal(t, "Z50", cp.CurrentACN)
		require.Equal(t, 0, cp.Count)
	})
}
