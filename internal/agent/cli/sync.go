package cli

import (
	"context"
	"fmt"
)

func (c *Cli) runSync(ctx context.Context) error {
	svc, cleanup, err := c.buildService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	fmt.Println("Synchronizing...")

	if err := svc.Sync(ctx); err != nil {
		return err
	}

	status, err := svc.Status(ctx)
	if err != nil {
		return err
	}

	fmt.Println("✓ Sync completed")
	fmt.Printf("Cloud revision:  %d\n", status.LastSyncRev)
	fmt.Printf("Local revision:  %d\n", status.LocalRev)
	fmt.Printf("Products:        %d\n", status.Products)
	fmt.Printf("Categories:      %d\n", status.Categories)

	return nil
}
