package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	syncengine "github.com/iudanet/marketsync/internal/sync"
	"github.com/iudanet/marketsync/internal/token"
	"github.com/iudanet/marketsync/pkg/api"
)

// Границы параметра limit для pull
const (
	defaultPullLimit = 100
	maxPullLimit     = 1000
)

// contextKey тип для ключей контекста
type contextKey string

const (
	// ClientIDKey ключ для хранения идентификатора клиента в контексте
	ClientIDKey contextKey = "client_id"
	// RoleKey ключ для хранения роли клиента в контексте
	RoleKey contextKey = "role"
)

// GetClientID извлекает идентификатор клиента из контекста запроса
func GetClientID(ctx context.Context) (string, bool) {
	clientID, ok := ctx.Value(ClientIDKey).(string)
	return clientID, ok
}

// GetRole извлекает роль клиента из контекста запроса
func GetRole(ctx context.Context) (string, bool) {
	role, ok := ctx.Value(RoleKey).(string)
	return role, ok
}

// Engine определяет интерфейс движка синхронизации для handlers
type Engine interface {
	ProcessBatch(ctx context.Context, batch *api.ChangeBatch) (*syncengine.Result, error)
	ChangesSince(ctx context.Context, sinceRev int64, limit int) (*api.PullResponse, error)
}

// SyncHandler handles push and pull synchronization requests
type SyncHandler struct {
	logger *slog.Logger
	engine Engine
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(logger *slog.Logger, engine Engine) *SyncHandler {
	return &SyncHandler{
		logger: logger,
		engine: engine,
	}
}

// HandlePush обрабатывает POST /sync/push
// Принимает ChangeBatch и применяет его идемпотентно.
// Ошибки auth/валидации отклоняют батч атомарно: ничего не применяется.
func (h *SyncHandler) HandlePush(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	clientID, ok := GetClientID(ctx)
	if !ok {
		h.logger.Error("Client ID not found in context")
		writeError(w, http.StatusUnauthorized, "unauthorized", "")
		return
	}

	// Push разрешен только агентам: readonly-клиенты только читают
	if role, _ := GetRole(ctx); role != token.RoleAgent {
		h.logger.Warn("Push forbidden for role", "client_id", clientID, "role", role)
		writeError(w, http.StatusForbidden, "forbidden", "push requires agent role")
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var batch api.ChangeBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		h.logger.Warn("Failed to decode push request", "error", err)
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	result, err := h.engine.ProcessBatch(ctx, &batch)
	if err != nil {
		var validationErr *syncengine.ValidationError
		if errors.As(err, &validationErr) {
			h.logger.Warn("Rejecting invalid batch",
				"client_id", clientID, "error", validationErr.Error())
			writeError(w, http.StatusBadRequest, "invalid_batch", validationErr.Error())
			return
		}

		h.logger.Error("Failed to process batch", "error", err, "client_id", clientID)
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	resp := api.PushResponse{
		AppliedCount: result.AppliedCount,
		Conflicts:    result.Conflicts,
		Failed:       result.Failed,
		LatestRev:    result.LatestRev,
	}

	writeJSON(w, h.logger, http.StatusOK, resp)

	h.logger.Info("Push completed",
		"client_id", clientID,
		"applied", resp.AppliedCount,
		"conflicts", len(resp.Conflicts))
}

// HandlePull обрабатывает GET /sync/pull?sinceRev=N&limit=M
// Возвращает страницу изменений с rev > sinceRev в порядке (rev, id)
func (h *SyncHandler) HandlePull(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	clientID, ok := GetClientID(ctx)
	if !ok {
		h.logger.Error("Client ID not found in context")
		writeError(w, http.StatusUnauthorized, "unauthorized", "")
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	sinceRev, err := parseQueryInt(r, "sinceRev", 0)
	if err != nil || sinceRev < 0 {
		writeError(w, http.StatusBadRequest, "invalid_since_rev", "sinceRev must be a non-negative integer")
		return
	}

	limit, err := parseQueryInt(r, "limit", defaultPullLimit)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
		return
	}
	if limit > maxPullLimit {
		limit = maxPullLimit
	}

	resp, err := h.engine.ChangesSince(ctx, sinceRev, int(limit))
	if err != nil {
		h.logger.Error("Failed to collect changes", "error", err, "client_id", clientID)
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	writeJSON(w, h.logger, http.StatusOK, resp)

	h.logger.Info("Pull completed",
		"client_id", clientID,
		"since_rev", sinceRev,
		"changes", len(resp.Changes),
		"has_more", resp.HasMore)
}

func parseQueryInt(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: code, Message: message})
}
