package cli

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"github.com/google/uuid"

	"github.com/iudanet/marketsync/internal/agent/api"
	"github.com/iudanet/marketsync/internal/agent/storage"
	"github.com/iudanet/marketsync/internal/token"
)

func (c *Cli) runLogin(ctx context.Context) error {
	fmt.Println("=== Connect to cloud ===")
	fmt.Println()

	serverURL := c.opts.ServerURL
	if serverURL == "" {
		input, err := readInput("Server URL: ")
		if err != nil {
			return fmt.Errorf("failed to read server URL: %w", err)
		}
		serverURL = input
	}

	parsed, err := url.Parse(serverURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid server URL: %q", serverURL)
	}

	// Секрет из окружения для неинтерактивных установок
	secret := os.Getenv("MARKETSYNC_TOKEN_SECRET")
	if secret == "" {
		secret, err = readSecret("Sync secret: ")
		if err != nil {
			return fmt.Errorf("failed to read secret: %w", err)
		}
	}
	if secret == "" {
		return fmt.Errorf("secret cannot be empty")
	}

	// Переиспользуем прежний client id, чтобы эхо-подавление на сервере
	// продолжало узнавать этого агента
	clientID := uuid.NewString()
	if existing, err := c.storage.GetCredentials(ctx); err == nil {
		clientID = existing.ClientID
	}

	fmt.Println()
	fmt.Println("Verifying connection...")

	tokenCfg, err := token.NewConfig(secret, c.opts.TokenTTL)
	if err != nil {
		return fmt.Errorf("failed to derive signing key: %w", err)
	}

	client := api.NewClient(serverURL, clientID, tokenCfg)
	if err := client.Health(ctx); err != nil {
		return fmt.Errorf("server is unreachable: %w", err)
	}

	creds := &storage.Credentials{
		ServerURL: serverURL,
		Secret:    secret,
		ClientID:  clientID,
	}
	if err := c.storage.SaveCredentials(ctx, creds); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	fmt.Println()
	fmt.Println("✓ Connected!")
	fmt.Printf("Server:    %s\n", serverURL)
	fmt.Printf("Client ID: %s\n", clientID)

	return nil
}
