package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"snapr-harvest/internal/harvest"
	"snapr-harvest/lib/configutil"
	"snapr-harvest/lib/telemetry"

	"dario.cat/mergo"
)

const DefaultPath = "snapr.json5"

const (
	ReplayerCurl = "curl"
	ReplayerHttp = "http"
)

var ErrInvalidSettings = errors.New("settings: invalid settings")

// Delay is the jitter between two requests. The bounds are pointers so an explicit
// 0 is kept instead of being replaced by the default.
type Delay struct {
	MinMs *int `json:"min_ms"`
	MaxMs *int `json:"max_ms"`
}

type Retry struct {
	// Count is how many times a request is retried, 0 disables retries.
	Count     *int  `json:"count"`
	Statuses  []int `json:"statuses"`
	WaitMs    int   `json:"wait_ms"`
	MaxWaitMs int   `json:"max_wait_ms"`
}

type Token struct {
	// Replayer is either "curl" (run the template as a subprocess) or "http".
	Replayer string `json:"replayer"`
	CurlPath string `json:"curl_path"`
}

// Settings is everything a harvest can be configured with. Fields that are left out
// (zero values, nil for the pointer fields) are replaced by the defaults, so a
// settings file only has to mention what it changes.
type Settings struct {
	BaseURL        string `json:"base_url"`
	UserID         string `json:"user_id"`
	StartACN       string `json:"start_acn"`
	Output         string `json:"output"`
	CheckpointPath string `json:"checkpoint_path"`
	ConfigPath     string `json:"config_path"`

	Delay            Delay   `json:"delay"`
	Retry            Retry   `json:"retry"`
	RateLimit        float64 `json:"rate_limit"`
	CloudflareBypass bool    `json:"cloudflare_bypass"`
	FlushEvery       int     `json:"flush_every"`

	Token Token `json:"token"`
	// SqliteMirror is the path of a sqlite database every record is also written to,
	// empty disables it.
	SqliteMirror string           `json:"sqlite_mirror"`
	Telemetry    telemetry.Config `json:"telemetry"`
}

func Default() Settings {
	return Settings{
		BaseURL:        harvest.DefaultBaseURL,
		UserID:         harvest.DefaultUserID,
		StartACN:       "Z1865690",
		Output:         "./output",
		CheckpointPath: "./snapr_save_point.json",
		ConfigPath:     "./snapr_config.json",
		Delay: Delay{
			MinMs: ptr(100),
			MaxMs: ptr(700),
		},
		Retry: Retry{
			Count:     ptr(3),
			Statuses:  harvest.DefaultRetryStatuses,
			WaitMs:    1000,
			MaxWaitMs: 8000,
		},
		FlushEvery: 10,
		Token: Token{
			Replayer: ReplayerCurl,
		},
	}
}

func ptr[T any](v T) *T {
	return &v
}

func withDefaults(s Settings) (Settings, error) {
	// without dereferencing, a pointer the file set (even to 0) is never touched
	err := mergo.Merge(&s, Default(), mergo.WithoutDereference)
	if err != nil {
		return Settings{}, err
	}
	err = s.Validate()
	if err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Load reads the settings file at path (and its local override) and fills in
// defaults. A missing file is not an error, the defaults are used as they are.
func Load(path string) (Settings, error) {
	s, err := configutil.ReadConfig[Settings](path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Settings{}, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	return withDefaults(s)
}

// Find is Load for a relative name that may live in the working directory or
// any of its parents, so snapr can be run from a subdirectory of a harvest. It
// returns the path the settings were read from, name itself when there is no
// such file anywhere.
func Find(name string) (Settings, string, error) {
	s, path, err := configutil.ReadRecursively[Settings](name)
	if errors.Is(err, fs.ErrNotExist) {
		s, err = withDefaults(Settings{})
		return s, name, err
	}
	if err != nil {
		return Settings{}, "", fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	s, err = withDefaults(s)
	return s, path, err
}

func (s Settings) Validate() error {
	if s.Token.Replayer != ReplayerCurl && s.Token.Replayer != ReplayerHttp {
		return fmt.Errorf(
			"%w: token.replayer must be %q or %q, got %q",
			ErrInvalidSettings, ReplayerCurl, ReplayerHttp, s.Token.Replayer,
		)
	}
	minMs, maxMs := s.Delay.bounds()
	if minMs < 0 || maxMs < 0 {
		return fmt.Errorf("%w: delay.min_ms and delay.max_ms cannot be negative", ErrInvalidSettings)
	}
	if maxMs < minMs {
		return fmt.Errorf(
			"%w: delay.min_ms (%d) is above delay.max_ms (%d), the default of an unset bound is %d..%d",
			ErrInvalidSettings, minMs, maxMs, *Default().Delay.MinMs, *Default().Delay.MaxMs,
		)
	}
	if s.Retry.Count != nil && *s.Retry.Count < 0 {
		return fmt.Errorf("%w: retry.count cannot be negative", ErrInvalidSettings)
	}
	if s.RateLimit < 0 {
		return fmt.Errorf("%w: rate_limit cannot be negative", ErrInvalidSettings)
	}
	return nil
}

func deref(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func (d Delay) bounds() (int, int) {
	return deref(d.MinMs), deref(d.MaxMs)
}

func (s Settings) ClientOptions() harvest.ClientOptions {
	return harvest.ClientOptions{
		BaseURL:          s.BaseURL,
		UserID:           s.UserID,
		RetryCount:       deref(s.Retry.Count),
		RetryWait:        time.Duration(s.Retry.WaitMs) * time.Millisecond,
		RetryMaxWait:     time.Duration(s.Retry.MaxWaitMs) * time.Millisecond,
		RetryStatuses:    s.Retry.Statuses,
		RateLimit:        s.RateLimit,
		CloudflareBypass: s.CloudflareBypass,
	}
}

func (s Settings) HarvestSettings() harvest.Settings {
	minMs, maxMs := s.Delay.bounds()
	return harvest.Settings{
		FlushEvery: s.FlushEvery,
		DelayMin:   time.Duration(minMs) * time.Millisecond,
		DelayMax:   time.Duration(maxMs) * time.Millisecond,
	}
}
