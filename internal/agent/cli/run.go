package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/iudanet/marketsync/internal/agent/watcher"
)

func (c *Cli) runDaemon(ctx context.Context) error {
	svc, cleanup, err := c.buildService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	// Каталожные директории должны существовать до подписки
	for _, dir := range []string{c.opts.ProductsDir, c.opts.CategoriesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create catalog directory %s: %w", dir, err)
		}
	}

	fw, err := watcher.NewFileWatcher()
	if err != nil {
		return err
	}

	if err := fw.Start(c.opts.ProductsDir, c.opts.CategoriesDir); err != nil {
		return err
	}
	defer func() {
		if err := fw.Stop(); err != nil {
			c.logger.Error("Failed to stop watcher", "error", err)
		}
	}()

	c.logger.Info("Agent running",
		"products_dir", c.opts.ProductsDir,
		"categories_dir", c.opts.CategoriesDir,
		"sync_interval", c.opts.SyncInterval)

	return svc.Run(ctx, fw, c.opts.SyncInterval)
}
