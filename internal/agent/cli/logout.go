package cli

import (
	"context"
	"fmt"

	"github.com/iudanet/marketsync/internal/agent/storage"
)

func (c *Cli) runLogout(ctx context.Context) error {
	if err := c.storage.DeleteCredentials(ctx); err != nil {
		if err == storage.ErrCredentialsNotFound {
			fmt.Println("Not connected.")
			return nil
		}
		return fmt.Errorf("failed to delete credentials: %w", err)
	}

	fmt.Println("✓ Disconnected. Local catalog data is kept.")
	return nil
}
