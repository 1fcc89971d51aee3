package watchdog

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yanghaku/wasm-watchdog/internal/log"
)

// Run starts the watchdog and metrics servers, marks the process healthy,
// and blocks until SIGINT/SIGTERM or either server fails. On shutdown it
// drains the watchdog listener first and only then clears the health
// signal, so a load balancer has already stopped routing traffic before the
// lock file disappears (§9: resolved shutdown-ordering question).
func Run(ctx context.Context, server *Server, metricsServer *MetricsServer, health *Health, suppressLock bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := health.MarkHealthy(suppressLock); err != nil {
		return fmt.Errorf("watchdog: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Infof("watchdog: serving functions on %s", server.srv.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("watchdog: function server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Infof("watchdog: serving metrics on %s", metricsServer.srv.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("watchdog: metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return shutdown(server, metricsServer, health, suppressLock)
	})

	return g.Wait()
}

func shutdown(server *Server, metricsServer *MetricsServer, health *Health, suppressLock bool) error {
	log.Infof("watchdog: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), server.srv.ReadTimeout+5*time.Second)
	defer cancel()

	var firstErr error
	if err := server.Shutdown(shutdownCtx); err != nil {
		firstErr = fmt.Errorf("watchdog: draining function server: %w", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("watchdog: draining metrics server: %w", err)
	}

	// With suppressLock no lock file was created, so failing to remove it is
	// not an error.
	if err := health.MarkUnhealthy(); err != nil && !suppressLock && firstErr == nil {
		firstErr = fmt.Errorf("watchdog: %w", err)
	}

	return firstErr
}
