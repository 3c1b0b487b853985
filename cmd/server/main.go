package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iudanet/marketsync/internal/server"
	"github.com/iudanet/marketsync/internal/server/middleware"
	"github.com/iudanet/marketsync/internal/server/realtime"
	"github.com/iudanet/marketsync/internal/server/storage/sqlite"
	syncengine "github.com/iudanet/marketsync/internal/sync"
	"github.com/iudanet/marketsync/internal/token"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	addr := flag.String("addr", ":8080", "Listen address")
	dbPath := flag.String("db", "marketsync.db", "Path to SQLite database")
	secret := flag.String("secret", "", "Shared sync secret (or MARKETSYNC_TOKEN_SECRET env)")
	tokenTTL := flag.Duration("token-ttl", 5*time.Minute, "Sync token lifetime")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	rateLimit := flag.Int("rate-limit", 120, "Max sync requests per client per window")
	rateWindow := flag.Duration("rate-window", time.Minute, "Rate limit window")
	purgeAfter := flag.Duration("purge-tombstones-after", 0,
		"Purge tombstones older than this age (0 disables purging)")
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	logger := newLogger(*logLevel)

	if *secret == "" {
		*secret = os.Getenv("MARKETSYNC_TOKEN_SECRET")
	}
	if *secret == "" {
		logger.Error("Sync secret is required (-secret flag or MARKETSYNC_TOKEN_SECRET)")
		os.Exit(1)
	}

	if err := run(logger, *addr, *dbPath, *secret, *tokenTTL, *rateLimit, *rateWindow, *purgeAfter); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, addr, dbPath, secret string, tokenTTL time.Duration,
	rateLimit int, rateWindow, purgeAfter time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storage, err := sqlite.New(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() {
		if err := storage.Close(); err != nil {
			logger.Error("Failed to close storage", "error", err)
		}
	}()

	tokenCfg, err := token.NewConfig(secret, tokenTTL)
	if err != nil {
		return fmt.Errorf("failed to build token config: %w", err)
	}

	hub := realtime.NewHub(logger)
	defer hub.Close()

	engine := syncengine.New(storage, hub, logger)

	limiter := middleware.NewRateLimiter(rateLimit, rateWindow, logger)
	defer limiter.Stop()

	router := server.NewRouter(logger, engine, hub, limiter, server.Config{
		Token:   tokenCfg,
		Version: Version,
	})

	if purgeAfter > 0 {
		go runTombstonePurge(ctx, logger, storage, purgeAfter)
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errC := make(chan error, 1)
	go func() {
		logger.Info("MarketSync server listening", "addr", addr, "version", Version)
		errC <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errC:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
	}

	return nil
}

// runTombstonePurge периодически удаляет tombstones старше maxAge.
// Включается явно: безопасно только когда все пиры синхронизируются
// чаще, чем maxAge.
func runTombstonePurge(ctx context.Context, logger *slog.Logger, storage *sqlite.Storage, maxAge time.Duration) {
	ticker := time.NewTicker(maxAge / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := storage.PurgeTombstones(ctx, time.Now().Add(-maxAge))
			if err != nil {
				logger.Error("Tombstone purge failed", "error", err)
				continue
			}
			if purged > 0 {
				logger.Info("Purged tombstones", "count", purged)
			}
		}
	}
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel})
	return slog.New(handler)
}

func printVersion() {
	fmt.Printf("MarketSync Server\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
