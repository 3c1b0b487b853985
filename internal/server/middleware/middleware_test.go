package middleware

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/marketsync/internal/server/handlers"
	"github.com/iudanet/marketsync/internal/token"
	"github.com/iudanet/marketsync/pkg/api"
)

// setupTestLogger creates a logger for testing
func setupTestLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelError, // Only show errors in tests
	}
	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler)
}

func testTokenConfig(t *testing.T) token.Config {
	t.Helper()
	cfg, err := token.NewConfig("test-secret", time.Minute)
	require.NoError(t, err)
	return cfg
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	cfg := testTokenConfig(t)

	signed, err := token.Mint(cfg, "agent-1", token.RoleAgent)
	require.NoError(t, err)

	var gotClientID, gotRole string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClientID, _ = handlers.GetClientID(r.Context())
		gotRole, _ = handlers.GetRole(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	handler := AuthMiddleware(setupTestLogger(), cfg)(next)

	req := httptest.NewRequest(http.MethodGet, "/sync/pull", nil)
	req.Header.Set(api.SyncTokenHeader, signed)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "agent-1", gotClientID)
	assert.Equal(t, token.RoleAgent, gotRole)
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	cfg := testTokenConfig(t)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not be called")
	})
	handler := AuthMiddleware(setupTestLogger(), cfg)(next)

	req := httptest.NewRequest(http.MethodGet, "/sync/pull", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddleware_InvalidToken(t *testing.T) {
	cfg := testTokenConfig(t)

	// Токен подписан другим секретом
	otherCfg, err := token.NewConfig("other-secret", time.Minute)
	require.NoError(t, err)
	forged, err := token.Mint(otherCfg, "agent-1", token.RoleAgent)
	require.NoError(t, err)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not be called")
	})
	handler := AuthMiddleware(setupTestLogger(), cfg)(next)

	req := httptest.NewRequest(http.MethodGet, "/sync/pull", nil)
	req.Header.Set(api.SyncTokenHeader, forged)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRateLimiter_Allow(t *testing.T) {
	limiter := NewRateLimiter(2, time.Hour, setupTestLogger())
	defer limiter.Stop()

	assert.True(t, limiter.Allow("agent-1"))
	assert.True(t, limiter.Allow("agent-1"))
	assert.False(t, limiter.Allow("agent-1"))

	// Другой клиент имеет свой бакет
	assert.True(t, limiter.Allow("agent-2"))
}

func TestRateLimiter_Refill(t *testing.T) {
	limiter := NewRateLimiter(1, 10*time.Millisecond, setupTestLogger())
	defer limiter.Stop()

	assert.True(t, limiter.Allow("agent-1"))
	assert.False(t, limiter.Allow("agent-1"))

	time.Sleep(20 * time.Millisecond)
	assert.True(t, limiter.Allow("agent-1"))
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewRateLimiter(1, time.Hour, setupTestLogger())
	defer limiter.Stop()

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RateLimitMiddleware(limiter, setupTestLogger())(next)

	req := httptest.NewRequest(http.MethodGet, "/sync/pull", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	handler := RecoveryMiddleware(setupTestLogger())(next)

	req := httptest.NewRequest(http.MethodGet, "/sync/push", nil)
	w := httptest.NewRecorder()

	assert.NotPanics(t, func() {
		handler.ServeHTTP(w, req)
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
