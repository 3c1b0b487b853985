// Package api реализует HTTP транспорт агента к облачному серверу.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/iudanet/marketsync/internal/token"
	"github.com/iudanet/marketsync/pkg/api"
)

// Параметры повторов: до maxRetries дополнительных попыток с
// экспоненциальной задержкой начиная с initialRetryDelay
const (
	maxRetries        = 3
	initialRetryDelay = 1 * time.Second
)

// TransportError представляет HTTP ошибку сервера
type TransportError struct {
	Body   string
	Status int
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Body)
}

// Retryable сообщает, имеет ли смысл повторять запрос.
// Клиентские ошибки (кроме 408 и 429) повтором не лечатся.
func (e *TransportError) Retryable() bool {
	if e.Status == http.StatusRequestTimeout || e.Status == http.StatusTooManyRequests {
		return true
	}
	return e.Status < 400 || e.Status >= 500
}

// Client представляет HTTP клиент для взаимодействия с сервером.
// На каждую попытку запроса чеканится свежий x-sync-token.
type Client struct {
	httpClient *http.Client
	baseURL    string
	clientID   string
	role       string
	tokenCfg   token.Config
}

// NewClient создает новый API клиент
func NewClient(baseURL, clientID string, tokenCfg token.Config) *Client {
	return &Client{
		baseURL:  baseURL,
		clientID: clientID,
		role:     token.RoleAgent,
		tokenCfg: tokenCfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Push отправляет пакет локальных изменений на сервер
func (c *Client) Push(ctx context.Context, batch api.ChangeBatch) (*api.PushResponse, error) {
	var resp api.PushResponse
	err := c.doRequest(ctx, http.MethodPost, "/sync/push", batch, &resp)
	if err != nil {
		return nil, fmt.Errorf("push request failed: %w", err)
	}
	return &resp, nil
}

// Pull запрашивает облачные изменения после ревизии sinceRev
func (c *Client) Pull(ctx context.Context, sinceRev int64, limit int) (*api.PullResponse, error) {
	var resp api.PullResponse
	url := fmt.Sprintf("/sync/pull?sinceRev=%d&limit=%d", sinceRev, limit)
	err := c.doRequest(ctx, http.MethodGet, url, nil, &resp)
	if err != nil {
		return nil, fmt.Errorf("pull request failed: %w", err)
	}
	return &resp, nil
}

// Health проверяет доступность сервера
func (c *Client) Health(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodGet, "/healthz", nil, nil)
}

// doRequest выполняет HTTP запрос с повторами.
// Сетевые ошибки и 5xx повторяются с экспоненциальной задержкой,
// 4xx (кроме 408/429) возвращаются сразу.
func (c *Client) doRequest(ctx context.Context, method, path string, body, result interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	operation := func() error {
		err := c.doOnce(ctx, method, path, payload, result)
		if err == nil {
			return nil
		}

		var terr *TransportError
		if errors.As(err, &terr) && !terr.Retryable() {
			return backoff.Permanent(err)
		}

		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialRetryDelay
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0

	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx))
}

// doOnce выполняет одну попытку запроса
func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, result interface{}) error {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	// Токен короткоживущий, поэтому чеканим свежий на каждую попытку
	syncToken, err := token.Mint(c.tokenCfg, c.clientID, c.role)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to mint sync token: %w", err))
	}
	req.Header.Set(api.SyncTokenHeader, syncToken)

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	// Читаем тело ответа
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	// Проверяем статус код
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp api.ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Message != "" {
			return &TransportError{Status: resp.StatusCode, Body: errResp.Message}
		}
		return &TransportError{Status: resp.StatusCode, Body: string(respBody)}
	}

	// Декодируем успешный ответ
	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}
