package serviceutil

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var ErrSignal = errors.New("received termination signal")

// SignalContext returns a context that is cancelled when Ctrl+C is pressed (or
// SIGTERM is received), its cause is ErrSignal. A second signal exits immediately.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	stopped := make(chan struct{})

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			slog.Warn("received signal, stopping", "signal", sig.String())
			cancel(ErrSignal)
		case <-stopped:
			return
		}

		select {
		case <-sigs:
			slog.Error("received second signal, exiting without cleanup")
			os.Exit(130)
		case <-stopped:
		}
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(stopped)
			cancel(context.Canceled)
		})
	}
}

// Fatal logs the error and exits with status 1.
func Fatal(message string, err error) {
	if err == nil {
		slog.Error(message)
	} else {
		slog.Error(message, "err", err.Error())
	}
	os.Exit(1)
}
