package pool

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ShutdownOnSignal shuts the manager down with the given grace period when one of
// signals arrives, SIGINT or SIGTERM by default. The returned channel yields the
// Shutdown result and is closed afterwards. Cancelling ctx stops listening without
// shutting down.
func (m *Manager) ShutdownOnSignal(ctx context.Context, grace time.Duration, signals ...os.Signal) <-chan error {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	sigCtx, stop := signal.NotifyContext(ctx, signals...)
	done := make(chan error, 1)
	go func() {
		defer close(done)
		defer stop()
		<-sigCtx.Done()
		if ctx.Err() != nil {
			return
		}
		m.logger.Info("termination signal received, shutting down pool", zap.Duration("grace", grace))
		done <- m.Shutdown(grace)
	}()
	return done
}
