package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/secondbrain/internal/app"
	"github.com/antoniostano/secondbrain/internal/config"
	"github.com/antoniostano/secondbrain/internal/observability"
	"github.com/antoniostano/secondbrain/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}
	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("voicegateway exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := app.Build(sigCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := res.Close(); err != nil {
			logger.Warn("resource close failed", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: res.API.Router(),
	}

	// Workers outlive the signal so sessions ended during HTTP shutdown still
	// reach the mirror and the archive.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	g, gctx := errgroup.WithContext(workCtx)

	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error { return res.CleanupService.Run(gctx) })
	g.Go(func() error { return res.Archiver.Run(gctx) })
	if res.Mirror != nil {
		g.Go(func() error { return res.Mirror.Run(gctx) })
	}

	g.Go(func() error {
		select {
		case <-sigCtx.Done():
			logger.Info("shutdown signal received")
		case <-gctx.Done():
		}
		defer cancelWork()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", zap.Error(err))
			_ = httpServer.Close()
		}
		ended := res.Sessions.EndAll(session.EndReasonShutdown)
		logger.Info("ended active sessions", zap.Int("count", ended))
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
