package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/comigor/chattree/internal/api"
	"github.com/comigor/chattree/internal/config"
	"github.com/comigor/chattree/internal/logger"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the conversation API over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Watch(func(next *config.Config, err error) {
			if err != nil {
				logger.L.Error("configuration reload failed; keeping previous", "error", err)
				return
			}
			logger.SetLevel(next.Log.Level)
			logger.L.Info("configuration reloaded", "log_level", next.Log.Level)
		})
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		logger.SetLevel(cfg.Log.Level)

		b, err := newBackend(cfg)
		if err != nil {
			return err
		}

		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		mux.Handle("/", api.New(b.svc, api.WithRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst)))

		srv := &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			logger.L.Info("starting server", "address", srv.Addr, "model", cfg.LLM.Model)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			logger.L.Info("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return gracefulShutdown(sctx, b.streams, srv, b.catalog)
		})
		return g.Wait()
	},
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// gracefulShutdown cancels running replies so streaming responses end, drains
// in-flight requests, and only then closes the catalog they may still use.
func gracefulShutdown(ctx context.Context, streams, srv shutdowner, catalog io.Closer) error {
	if err := streams.Shutdown(ctx); err != nil {
		logger.L.Warn("stream shutdown incomplete", "error", err)
	}
	err := srv.Shutdown(ctx)
	if err != nil {
		logger.L.Warn("http shutdown incomplete", "error", err)
	}
	if cerr := catalog.Close(); cerr != nil {
		logger.L.Warn("catalog close failed", "error", cerr)
	}
	return err
}
