package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetupWithoutEndpoints(t *testing.T) {
	tel, err := Setup(context.Background(), "snapr-test", Config{})
	require.NoError(t, err)
	require.Nil(t, tel.TracerProvider)
	require.Nil(t, tel.MeterProvider)
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestOtlpConnConfigEnabled(t *testing.T) {
	require.False(t, OtlpConnConfig{}.Enabled())
	require.False(t, OtlpConnConfig{Headers: map[string]string{"a": "b"}}.Enabled())
	require.True(t, OtlpConnConfig{HttpEndpoint: "http://localhost:4318/v1/traces"}.Enabled())
	require.True(t, OtlpConnConfig{GrpcEndpoint: "http://localhost:4317"}.Enabled())
}

func TestMetricInterval(t *testing.T) {
	require.Equal(t, time.Second*5, Config{}.metricInterval())
	require.Equal(t, time.Millisecond*1500, Config{MetricIntervalMs: 1500}.metricInterval())
}

func TestNewResource(t *testing.T) {
	r, err := newResource("snapr-test")
	require.NoError(t, err)
	value, ok := r.Set().Value("service.name")
	require.True(t, ok)
	require.Equal(t, "snapr-test", value.AsString())
	_, ok = r.Set().Value("process.pid")
	require.True(t, ok)
}

func TestInitSlog(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	var buff bytes.Buffer
	logger := InitSlog(&buff, false)
	logger.Debug("hidden")
	logger.Info("shown", "acn", "Z100")
	require.NotContains(t, buff.String(), "hidden")
	require.Contains(t, buff.String(), "shown")
	require.Contains(t, buff.String(), "Z100")

	buff.Reset()
	logger = InitSlog(&buff, true)
	logger.Debug("visible now")
	require.Contains(t, buff.String(), "visible now")
}

func TestInstrumentPerfStatsStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, InstrumentPerfStats(ctx, time.Millisecond))
	time.Sleep(time.Millisecond * 10)
	cancel()
}
