package cli

import (
	"context"
	"fmt"
)

func (c *Cli) runStatus(ctx context.Context) error {
	creds, err := c.storage.GetCredentials(ctx)
	if err != nil {
		fmt.Println("Status: not connected")
		fmt.Println("Run 'marketsync-agent login' to connect to the cloud.")
		return nil
	}

	svc, cleanup, err := c.buildService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	status, err := svc.Status(ctx)
	if err != nil {
		return err
	}

	fmt.Println("=== MarketSync Agent status ===")
	fmt.Printf("Server:           %s\n", creds.ServerURL)
	fmt.Printf("Client ID:        %s\n", creds.ClientID)
	fmt.Println()
	fmt.Printf("Cloud revision:   %d\n", status.LastSyncRev)
	fmt.Printf("Pushed revision:  %d\n", status.LastPushRev)
	fmt.Printf("Local revision:   %d\n", status.LocalRev)
	fmt.Printf("Deferred changes: %d\n", status.Deferred)
	fmt.Println()
	fmt.Printf("Products:         %d\n", status.Products)
	fmt.Printf("Categories:       %d\n", status.Categories)

	return nil
}
