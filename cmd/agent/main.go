package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iudanet/marketsync/internal/agent/cli"
	"github.com/iudanet/marketsync/internal/agent/storage/boltdb"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	// Глобальные флаги
	showVersion := flag.Bool("version", false, "Show version information")
	serverURL := flag.String("server", "http://localhost:8080", "Server URL")
	dbPath := flag.String("db", "marketsync-agent.db", "Path to local database")
	queueDir := flag.String("queue", "marketsync-queue", "Path to deferred change queue directory")
	productsDir := flag.String("products", "catalog/products", "Products directory")
	categoriesDir := flag.String("categories", "catalog/categories", "Categories directory")
	syncInterval := flag.Duration("interval", 30*time.Second, "Periodic sync interval for run command")
	tokenTTL := flag.Duration("token-ttl", 5*time.Minute, "Sync token lifetime")
	logLevel := flag.String("log-level", "warn", "Log level: debug, info, warn, error")

	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		cli.PrintUsage()
		os.Exit(1)
	}
	command := args[0]

	logger := newLogger(*logLevel)

	// Команда run живет до сигнала, остальные - до конца работы
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Открываем BoltDB storage
	boltStorage, err := boltdb.New(ctx, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := boltStorage.Close(); err != nil {
			logger.Error("Failed to close database", "error", err)
		}
	}()

	agentCli := cli.New(boltStorage, logger, cli.Options{
		ServerURL:     *serverURL,
		QueueDir:      *queueDir,
		ProductsDir:   *productsDir,
		CategoriesDir: *categoriesDir,
		SyncInterval:  *syncInterval,
		TokenTTL:      *tokenTTL,
	})

	if err := agentCli.Run(ctx, command); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info":
		slogLevel = slog.LevelInfo
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelWarn
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})
	return slog.New(handler)
}

func printVersion() {
	fmt.Printf("MarketSync Agent\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
