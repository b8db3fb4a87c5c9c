package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"snapr-harvest/internal/harvest"
	"snapr-harvest/lib/configutil"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingUsesDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), DefaultPath))
	require.NoError(t, err)
	if diff := cmp.Diff(Default(), s); diff != "" {
		t.Fatal(diff)
	}
}

func TestLoadWithLocalOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultPath)

	err := os.WriteFile(path, []byte(`{
		output: "./harvest/items",
		delay: { min_ms: 200, max_ms: 900 },
		retry: { count: 5 },
		token: { replayer: "http" },
		telemetry: {
			otlp: { traces: { http_endpoint: "http://localhost:4318/v1/traces" } },
		},
	}`), 0644)
	require.NoError(t, err)
	err = os.WriteFile(configutil.LocalPath(path), []byte(`{
		user_id: "42",
		rate_limit: 1.5,
	}`), 0644)
	require.NoError(t, err)

	s, err := Load(path)
	require.NoError(t, err)

	expected := Default()
	expected.Output = "./harvest/items"
	expected.Delay = Delay{MinMs: ptr(200), MaxMs: ptr(900)}
	expected.Retry.Count = ptr(5)
	expected.Token.Replayer = ReplayerHttp
	expected.Telemetry.Otlp.Traces.HttpEndpoint = "http://localhost:4318/v1/traces"
	expected.UserID = "42"
	expected.RateLimit = 1.5
	if diff := cmp.Diff(expected, s); diff != "" {
		t.Fatal(diff)
	}

	opts := s.ClientOptions()
	require.Equal(t, "42", opts.UserID)
	require.Equal(t, 5, opts.RetryCount)
	require.Equal(t, time.Second, opts.RetryWait)
	require.Equal(t, harvest.DefaultRetryStatuses, opts.RetryStatuses)

	h := s.HarvestSettings()
	require.Equal(t, harvest.Settings{
		FlushEvery: 10,
		DelayMin:   time.Millisecond * 200,
		DelayMax:   time.Millisecond * 900,
	}, h)
}

func TestLoadInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultPath)

	require.NoError(t, os.WriteFile(path, []byte(`{ token: { replayer: "wget" } }`), 0644))
	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalidSettings)

	require.NoError(t, os.WriteFile(path, []byte(`{ delay: { min_ms: 900, max_ms: 800 } }`), 0644))
	_, err = Load(path)
	require.ErrorIs(t, err, ErrInvalidSettings)

	require.NoError(t, os.WriteFile(path, []byte(`{ delay: `), 0644))
	_, err = Load(path)
	require.ErrorIs(t, err, ErrInvalidSettings)
}

func TestLoadExplicitZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultPath)
	err := os.WriteFile(path, []byte(`{
		delay: { min_ms: 0, max_ms: 50 },
		retry: { count: 0 },
	}`), 0644)
	require.NoError(t, err)

	s, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 0, s.ClientOptions().RetryCount)
	require.Equal(t, harvest.Settings{
		FlushEvery: 10,
		DelayMin:   0,
		DelayMax:   time.Millisecond * 50,
	}, s.HarvestSettings())

	// the default still fills in the bound that was left out
	require.NoError(t, os.WriteFile(path, []byte(`{ delay: { max_ms: 0 } }`), 0644))
	_, err = Load(path)
	require.ErrorIs(t, err, ErrInvalidSettings)
	require.ErrorContains(t, err, "delay.min_ms (100) is above delay.max_ms (0)")

	require.NoError(t, os.WriteFile(path, []byte(`{ retry: { count: -1 } }`), 0644))
	_, err = Load(path)
	require.ErrorIs(t, err, ErrInvalidSettings)
}

func chdir(t testing.TB, dir string) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
}

func TestFindInParentDirectory(t *testing.T) {
	root := t.TempDir()
	err := os.WriteFile(filepath.Join(root, DefaultPath), []byte(`{ user_id: "7" }`), 0644)
	require.NoError(t, err)
	nested := filepath.Join(root, "runs", "today")
	require.NoError(t, os.MkdirAll(nested, 0777))
	chdir(t, nested)

	s, path, err := Find(DefaultPath)
	require.NoError(t, err)
	require.Equal(t, "7", s.UserID)

	found, err := os.Stat(path)
	require.NoError(t, err)
	expected, err := os.Stat(filepath.Join(root, DefaultPath))
	require.NoError(t, err)
	require.True(t, os.SameFile(expected, found), path)
}

func TestFindMissingUsesDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	s, path, err := Find("snapr-test-missing.json5")
	require.NoError(t, err)
	require.Equal(t, "snapr-test-missing.json5", path)
	if diff := cmp.Diff(Default(), s); diff != "" {
		t.Fatal(diff)
	}
}
