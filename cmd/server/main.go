package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"labelcheck-assistant/internal/backend"
	"labelcheck-assistant/internal/config"
	"labelcheck-assistant/internal/core"
	"labelcheck-assistant/internal/db"
	httpserver "labelcheck-assistant/internal/http"
)

func main() {
	cfg, err := config.Load()
	logger, lerr := config.NewLogger(cfg.LogLevel)
	if lerr != nil {
		logger = zap.NewExample()
	}
	defer logger.Sync()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	analysis := backend.FromConfig(cfg, logger)

	// The archive is optional; without DATABASE_URL exchanges live only in
	// their session.
	var (
		archive   core.Archive
		exchanges httpserver.ExchangeLister
	)
	if cfg.DatabaseURL != "" {
		dbConn, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to open database", zap.Error(err))
		}
		defer dbConn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := dbConn.PingContext(ctx); err != nil {
			cancel()
			logger.Fatal("failed to ping database", zap.Error(err))
		}
		if err := db.Migrate(ctx, dbConn); err != nil {
			cancel()
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
		cancel()
		repo := db.NewRepository(dbConn, db.NewNotifier(dbConn, cfg.NotifyChannel), logger)
		archive, exchanges = repo, repo
		logger.Info("exchange archive enabled", zap.String("channel", cfg.NotifyChannel))
	}

	srv, err := httpserver.NewServer(func(id string, onUpdate func(string)) *core.Session {
		return core.NewSession(core.Options{
			ID:       id,
			Backend:  analysis,
			Reveal:   cfg.Reveal,
			Archive:  archive,
			OnUpdate: onUpdate,
			Logger:   logger,
		})
	}, cfg.MaxSessions, logger)
	if err != nil {
		logger.Fatal("failed to construct server", zap.Error(err))
	}
	srv.Exchanges = exchanges

	// No write timeout: the event stream stays open for the life of a session.
	httpServer := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     srv,
		ReadTimeout: 30 * time.Second,
	}
	go func() {
		logger.Info("HTTP server starting", zap.String("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	// Sessions go first so open event streams end and Shutdown can drain.
	srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("HTTP shutdown failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
