package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/marketsync/internal/models"
	"github.com/iudanet/marketsync/internal/token"
	"github.com/iudanet/marketsync/pkg/api"
)

func testTokenConfig(t *testing.T) token.Config {
	t.Helper()
	cfg, err := token.NewConfig("test-secret", time.Minute)
	require.NoError(t, err)
	return cfg
}

func testBatch() api.ChangeBatch {
	return api.ChangeBatch{
		ClientID: "agent-1",
		Changes: []api.Change{{
			Entity: models.KindProduct,
			Op:     api.OpUpsert,
			Data:   json.RawMessage(`{"id":"p1","rev":1,"updatedBy":"local","name":"Widget"}`),
		}},
	}
}

func TestClient_Push_Success(t *testing.T) {
	cfg := testTokenConfig(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/sync/push", r.URL.Path)

		// Каждый запрос несет валидный свежий токен
		claims, err := token.Validate(cfg, r.Header.Get(api.SyncTokenHeader))
		require.NoError(t, err)
		assert.Equal(t, "agent-1", claims.ClientID)
		assert.Equal(t, token.RoleAgent, claims.Role)

		var batch api.ChangeBatch
		require.NoError(t, json.NewDecoder(r.Body).Decode(&batch))
		assert.Equal(t, "agent-1", batch.ClientID)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(api.PushResponse{AppliedCount: 1, LatestRev: 5})
	}))
	defer server.Close()

	client := NewClient(server.URL, "agent-1", cfg)

	resp, err := client.Push(context.Background(), testBatch())
	require.NoError(t, err)
	assert.Equal(t, 1, resp.AppliedCount)
	assert.Equal(t, int64(5), resp.LatestRev)
}

func TestClient_Pull_Success(t *testing.T) {
	cfg := testTokenConfig(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sync/pull", r.URL.Path)
		assert.Equal(t, "7", r.URL.Query().Get("sinceRev"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(api.PullResponse{LatestRev: 7})
	}))
	defer server.Close()

	client := NewClient(server.URL, "agent-1", cfg)

	resp, err := client.Pull(context.Background(), 7, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(7), resp.LatestRev)
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Первые две попытки падают, третья проходит
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(api.PushResponse{AppliedCount: 1})
	}))
	defer server.Close()

	client := NewClient(server.URL, "agent-1", testTokenConfig(t))

	start := time.Now()
	resp, err := client.Push(context.Background(), testBatch())
	require.NoError(t, err)
	assert.Equal(t, 1, resp.AppliedCount)
	assert.Equal(t, int32(3), calls.Load())
	// Две задержки повторов: ~1s + ~2s
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Second)
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, "agent-1", testTokenConfig(t))

	_, err := client.Push(context.Background(), testBatch())
	require.Error(t, err)

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusServiceUnavailable, terr.Status)

	// Исходная попытка + maxRetries повторов
	assert.Equal(t, int32(maxRetries+1), calls.Load())
}

func TestClient_ClientErrorsNotRetried(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "invalid_batch", Message: "bad payload"})
	}))
	defer server.Close()

	client := NewClient(server.URL, "agent-1", testTokenConfig(t))

	_, err := client.Push(context.Background(), testBatch())
	require.Error(t, err)

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusBadRequest, terr.Status)
	assert.Contains(t, terr.Body, "bad payload")

	// 4xx не ретраится
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_ContextCancelStopsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, "agent-1", testTokenConfig(t))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Push(ctx, testBatch())
	require.Error(t, err)
	// Отмена контекста прекращает повторы задолго до полного бэкоффа
	assert.Less(t, time.Since(start), time.Second)
}

func TestTransportError_Retryable(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{status: http.StatusInternalServerError, retryable: true},
		{status: http.StatusBadGateway, retryable: true},
		{status: http.StatusRequestTimeout, retryable: true},
		{status: http.StatusTooManyRequests, retryable: true},
		{status: http.StatusBadRequest, retryable: false},
		{status: http.StatusUnauthorized, retryable: false},
		{status: http.StatusForbidden, retryable: false},
	}

	for _, tt := range tests {
		err := &TransportError{Status: tt.status}
		assert.Equal(t, tt.retryable, err.Retryable(), "status %d", tt.status)
	}
}
