package globals

import (
	"context"

	"snapr-harvest/internal/checkpoint"
	"snapr-harvest/internal/components/chrono"
	"snapr-harvest/internal/components/telemetry"
	"snapr-harvest/internal/settings"
	"snapr-harvest/internal/tokens"
)

type keyType int

const key keyType = 0

// Value is everything the root command sets up before a subcommand runs.
type Value struct {
	Settings     settings.Settings
	SettingsPath string
	Tel          telemetry.API
	Clock        chrono.API
}

func Set(ctx context.Context, value *Value) context.Context {
	return context.WithValue(ctx, key, value)
}

func Get(ctx context.Context) *Value {
	return ctx.Value(key).(*Value)
}

func (v *Value) ConfigStore() tokens.ConfigStore {
	return tokens.NewConfigStore(v.Settings.ConfigPath, v.Tel)
}

func (v *Value) Checkpoints() checkpoint.Store {
	return checkpoint.NewStore(v.Settings.CheckpointPath, v.Clock, v.Tel)
}

func (v *Value) Replayer() tokens.Replayer {
	if v.Settings.Token.Replayer == settings.ReplayerHttp {
		return tokens.NewHTTPReplayer(v.Tel)
	}
	return tokens.CurlReplayer{Path: v.Settings.Token.CurlPath}
}

func (v *Value) Provider() (*tokens.Provider, error) {
	return tokens.NewProvider(v.ConfigStore(), v.Replayer(), v.Tel)
}
