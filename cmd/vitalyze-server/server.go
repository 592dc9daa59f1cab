package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vitalyze/vitalyze/internal/config"
)

const shutdownTimeout = 30 * time.Second

func runServer(cfg *config.Config, embeddedWorker bool) error {
	logger := newLogger(cfg.Env)

	if err := os.MkdirAll(cfg.UploadDir, 0o750); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialise dependencies")
		return err
	}
	defer a.close()

	if !embeddedWorker && !cfg.UsesRedis() {
		logger.Warn().Msg("in-memory queue requires embedded workers; enabling them")
		embeddedWorker = true
	}

	var bg *background
	if embeddedWorker {
		bg, err = a.startBackground(context.WithoutCancel(ctx))
		if err != nil {
			return err
		}
	}

	e := a.newEcho()

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("embedded_worker", embeddedWorker).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		logger.Error().Err(serveErr).Msg("server error")
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if bg != nil {
		bg.stop(shutdownCtx, logger)
	}
	logger.Info().Msg("server stopped")
	return serveErr
}

func runWorker(cfg *config.Config) error {
	logger := newLogger(cfg.Env)

	if !cfg.UsesRedis() {
		return fmt.Errorf("worker mode needs REDIS_URL; without it run `serve --embedded-worker`")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialise dependencies")
		return err
	}
	defer a.close()

	bg, err := a.startBackground(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}

	probe := a.newProbeEcho()
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("serving health and metrics")
		if err := probe.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("probe server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down worker")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := probe.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("probe server shutdown failed")
	}
	bg.stop(shutdownCtx, logger)
	logger.Info().Msg("worker stopped")
	return nil
}
