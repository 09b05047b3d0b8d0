// Package process wraps spf13/cobra command execution with the
// cancellation and shutdown-drain semantics spec.md §5 requires of every
// service: a context canceled on SIGINT/SIGTERM, and a bounded drain
// window for background loops to exit.
package process

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// DrainTimeout is the graceful-shutdown window from spec.md §5.
const DrainTimeout = 30 * time.Second

// Run executes body with a context that is canceled on SIGINT/SIGTERM; cmd
// is not used. Once canceled, Run waits up to DrainTimeout for body to
// return; if it has not, Run logs a warning and returns nil without
// waiting further. Closing each service's private/lifecycle.Group is left
// to the caller.
func Run(log *zap.Logger, cmd *cobra.Command, body func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- body(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info("shutdown signal received, draining", zap.Duration("timeout", DrainTimeout))
		select {
		case err := <-errCh:
			return err
		case <-time.After(DrainTimeout):
			log.Warn("drain timeout exceeded, exiting anyway")
			return nil
		}
	}
}

// ExecuteOrExit runs cmd and calls os.Exit(1) on error, matching cobra's
// idiomatic top-level main().
func ExecuteOrExit(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
