//go:build !windows

package serviceutil

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignalContext(t *testing.T) {
	ctx, stop := SignalContext(context.Background())
	defer stop()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGINT))

	select {
	case <-ctx.Done():
	case <-time.After(time.Second * 5):
		t.Fatal("context was not cancelled by the signal")
	}
	require.True(t, errors.Is(context.Cause(ctx), ErrSignal))
}

func TestSignalContextStop(t *testing.T) {
	ctx, stop := SignalContext(context.Background())
	stop()
	stop()
	require.ErrorIs(t, context.Cause(ctx), context.Canceled)
}
