// Package cli реализует команды агента синхронизации.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/iudanet/marketsync/internal/agent/api"
	"github.com/iudanet/marketsync/internal/agent/queue"
	"github.com/iudanet/marketsync/internal/agent/storage"
	"github.com/iudanet/marketsync/internal/agent/storage/boltdb"
	"github.com/iudanet/marketsync/internal/agent/sync"
	"github.com/iudanet/marketsync/internal/token"
)

// Options параметры запуска агента
type Options struct {
	ServerURL     string
	QueueDir      string
	ProductsDir   string
	CategoriesDir string
	SyncInterval  time.Duration
	TokenTTL      time.Duration
}

// Cli контейнер зависимостей команд агента
type Cli struct {
	storage *boltdb.Storage
	logger  *slog.Logger
	opts    Options
}

// New создает CLI с открытым локальным хранилищем
func New(boltStorage *boltdb.Storage, logger *slog.Logger, opts Options) *Cli {
	return &Cli{
		storage: boltStorage,
		logger:  logger,
		opts:    opts,
	}
}

// Run выполняет команду агента
func (c *Cli) Run(ctx context.Context, command string) error {
	switch command {
	case "login":
		return c.runLogin(ctx)
	case "logout":
		return c.runLogout(ctx)
	case "sync":
		return c.runSync(ctx)
	case "status":
		return c.runStatus(ctx)
	case "run":
		return c.runDaemon(ctx)
	default:
		PrintUsage()
		return fmt.Errorf("unknown command: %s", command)
	}
}

// PrintUsage выводит справку по командам
func PrintUsage() {
	fmt.Println("MarketSync Agent - catalog synchronization for local marketplaces")
	fmt.Println()
	fmt.Println("Usage: marketsync-agent [flags] <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  login    Connect agent to the cloud (stores server URL and secret)")
	fmt.Println("  logout   Remove stored credentials")
	fmt.Println("  sync     Run a single sync cycle")
	fmt.Println("  status   Show sync state and catalog counters")
	fmt.Println("  run      Watch catalog directories and sync continuously")
	fmt.Println()
	fmt.Println("Run 'marketsync-agent -h' for flags.")
}

// buildService собирает сервис синхронизации из сохраненных credentials.
// Возвращает cleanup-функцию, закрывающую durable очередь.
func (c *Cli) buildService(ctx context.Context) (*sync.Service, func(), error) {
	creds, err := c.storage.GetCredentials(ctx)
	if err != nil {
		if err == storage.ErrCredentialsNotFound {
			return nil, nil, fmt.Errorf("not connected. Please run 'marketsync-agent login' first")
		}
		return nil, nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	tokenCfg, err := token.NewConfig(creds.Secret, c.opts.TokenTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive signing key: %w", err)
	}

	client := api.NewClient(creds.ServerURL, creds.ClientID, tokenCfg)

	q, err := queue.Open(c.opts.QueueDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open deferred queue: %w", err)
	}

	svc := sync.NewService(c.storage, client, q, creds.ClientID, c.logger)
	cleanup := func() {
		if err := q.Close(); err != nil {
			c.logger.Error("Failed to close deferred queue", "error", err)
		}
	}

	return svc, cleanup, nil
}

// readInput читает строку со стандартного ввода
func readInput(prompt string) (string, error) {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	input, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

// readSecret читает секрет без отображения на экране
func readSecret(prompt string) (string, error) {
	fmt.Print(prompt)
	secretBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println() // Переход на новую строку после ввода
	if err != nil {
		return "", err
	}
	return string(secretBytes), nil
}
