package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/iudanet/marketsync/internal/server/handlers"
	"github.com/iudanet/marketsync/internal/token"
	"github.com/iudanet/marketsync/pkg/api"
)

// AuthMiddleware создает middleware для проверки sync-токена.
// Отказ в аутентификации происходит до какой-либо обработки:
// частичного применения батча при невалидном токене не бывает.
func AuthMiddleware(logger *slog.Logger, cfg token.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := r.Header.Get(api.SyncTokenHeader)
			if tokenString == "" {
				logger.Warn("Missing sync token", "path", r.URL.Path)
				http.Error(w, "Unauthorized: missing token", http.StatusUnauthorized)
				return
			}

			claims, err := token.Validate(cfg, tokenString)
			if err != nil {
				logger.Warn("Invalid sync token", "error", err)
				http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
				return
			}

			// Добавляем identity клиента в контекст
			ctx := context.WithValue(r.Context(), handlers.ClientIDKey, claims.ClientID)
			ctx = context.WithValue(ctx, handlers.RoleKey, claims.Role)

			logger.Debug("Client authenticated",
				"client_id", claims.ClientID, "role", claims.Role)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
