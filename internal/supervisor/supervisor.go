// Package supervisor owns process-level concerns of a chartpull run:
// turning SIGINT and SIGTERM into context cancellation so in-flight
// writes can finish and metadata gets persisted, and mapping the
// pipeline's final error into the documented exit codes.
//
// # Import Rules
//
// May import client and logger. Must not import the pipeline packages;
// they report errors upward instead.
package supervisor

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/custodia-labs/chartpull-cli/internal/client"
	"github.com/custodia-labs/chartpull-cli/internal/logger"
)

// Exit codes of the chartpull binary.
const (
	// ExitSuccess covers completed runs and clean resume points,
	// including runs that absorbed per-query failures.
	ExitSuccess = 0
	// ExitError covers configuration and local I/O failures.
	ExitError = 1
	// ExitCancelled is returned after an interrupt.
	ExitCancelled = 2
	// ExitServerError covers authentication failures and server errors
	// that survived the retry budget.
	ExitServerError = 3
)

// Notify returns a child context cancelled on the first SIGINT or
// SIGTERM. The first signal is announced and handed to the pipeline as
// cancellation; the handler is then removed, so a second signal kills
// the process the default way. The returned stop function releases the
// handler early.
func Notify(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-signals:
			logger.Warn("Received %s, finishing in-flight work (interrupt again to kill)", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()

	stop := func() {
		signal.Stop(signals)
		cancel()
	}
	return ctx, stop
}

// ExitCodeFor maps a run's final error to the process exit code.
func ExitCodeFor(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ExitCancelled
	case errors.Is(err, client.ErrAuthFailed),
		errors.Is(err, client.ErrNoToken),
		errors.Is(err, client.ErrAttemptsExhausted):
		return ExitServerError
	case client.StatusOf(err) != 0:
		return ExitServerError
	default:
		return ExitError
	}
}
