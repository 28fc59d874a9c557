package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfeidau/tlstrust"
	"github.com/wolfeidau/tlstrust/server"
	"github.com/wolfeidau/tlstrust/telemetry"
)

// ServeCmd runs the query daemon until interrupted.
type ServeCmd struct {
	Address    string `help:"Address to listen on. Overrides server.address." placeholder:"ADDR"`
	Watch      bool   `help:"Reload the trust files when they change on disk."`
	Prometheus bool   `help:"Expose Prometheus metrics on /metrics."`
}

func (c *ServeCmd) Run(app *App) error {
	cfg := app.cfg
	logger := app.logger

	address := cfg.Server.Address
	if c.Address != "" {
		address = c.Address
	}

	shutdownMetrics, err := telemetry.InitMetrics(context.Background(), telemetry.MetricsConfig{
		ServiceName:      "tlstrust",
		ServiceVersion:   tlstrust.Version,
		OTLPEndpoint:     cfg.Metrics.OTLPEndpoint,
		EnablePrometheus: cfg.Metrics.Prometheus || c.Prometheus,
		FlushInterval:    cfg.Metrics.FlushInterval,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(ctx); err != nil {
			logger.Warn("failed to flush metrics", "error", err)
		}
	}()

	var watch []string
	if cfg.Server.Watch || c.Watch {
		watch = []string{cfg.HSTS.File, cfg.HPKP.File}
	}

	srv, err := server.New(server.Config{
		Address:      address,
		AuthToken:    cfg.Server.Token(),
		WatchFiles:   watch,
		SaveInterval: cfg.Server.SaveInterval,
		Logger:       logger,
	}, app.hsts, app.hpkp)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Handle shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"hsts_backend", app.hsts.Handle().Name,
		"hpkp_backend", app.hpkp.Handle().Name,
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
