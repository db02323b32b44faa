package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ineyio/imagegate/httpapi"
)

// ServeCmd starts the HTTP gateway.
type ServeCmd struct {
	Addr string `help:"Listen address. Overrides HTTP_ADDR."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := cli.load()
	if err != nil {
		return err
	}
	if c.Addr != "" {
		cfg.Addr = c.Addr
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	opts := []httpapi.Option{httpapi.WithLogger(logger)}
	if a.metrics != nil {
		opts = append(opts, httpapi.WithMetricsHandler(a.metrics.Handler()))
	}
	for name, check := range a.checks {
		opts = append(opts, httpapi.WithHealthcheck(name, check))
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.New(a.gateway, opts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("imagegate listening", slog.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
