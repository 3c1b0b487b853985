// Package server собирает HTTP-поверхность облачного sync-сервиса.
package server

import (
	"log/slog"
	"net/http"

	"github.com/iudanet/marketsync/internal/server/handlers"
	"github.com/iudanet/marketsync/internal/server/middleware"
	"github.com/iudanet/marketsync/internal/server/realtime"
	"github.com/iudanet/marketsync/internal/token"
)

// Config параметры маршрутизации
type Config struct {
	Token   token.Config
	Version string
}

// NewRouter строит роутер сервиса:
//
//	POST /sync/push    - применение входящего батча (auth, роль agent)
//	GET  /sync/pull    - выдача изменений с указанной ревизии (auth)
//	GET  /sync/events  - websocket с realtime-событиями (auth)
//	GET  /healthz      - health check (без auth)
func NewRouter(logger *slog.Logger, engine handlers.Engine, hub *realtime.Hub, limiter *middleware.RateLimiter, cfg Config) http.Handler {
	syncHandler := handlers.NewSyncHandler(logger, engine)
	healthHandler := handlers.NewHealthHandler(logger, cfg.Version)

	auth := middleware.AuthMiddleware(logger, cfg.Token)
	rateLimit := middleware.RateLimitMiddleware(limiter, logger)

	mux := http.NewServeMux()
	mux.Handle("/sync/push", auth(rateLimit(http.HandlerFunc(syncHandler.HandlePush))))
	mux.Handle("/sync/pull", auth(rateLimit(http.HandlerFunc(syncHandler.HandlePull))))
	mux.Handle("/sync/events", auth(http.HandlerFunc(hub.HandleWS)))
	mux.HandleFunc("/healthz", healthHandler.Health)

	// Внешние слои: recovery снаружи, чтобы паника в logging тоже ловилась
	var handler http.Handler = mux
	handler = middleware.LoggingMiddleware(logger, "/healthz")(handler)
	handler = middleware.RecoveryMiddleware(logger)(handler)

	return handler
}
