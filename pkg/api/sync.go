package api

import (
	"encoding/json"
	"time"
)

// SyncTokenHeader заголовок, в котором клиент передает подписанный токен
const SyncTokenHeader = "x-sync-token"

// Операции над сущностью в рамках синхронизации
const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

// Change представляет одно изменение одной сущности.
// Change самодостаточен: для его применения не нужен никакой
// внешний контекст кроме целевого хранилища.
type Change struct {
	Entity string          `json:"entity"` // Entity вид сущности: "product", "category"
	Op     string          `json:"op"`     // Op операция: upsert или delete
	Data   json.RawMessage `json:"data"`   // Data полный JSON сущности, включая sync-метаданные
}

// ChangeBatch представляет упорядоченную группу изменений,
// отправляемую одним push-запросом.
type ChangeBatch struct {
	ClientID  string   `json:"clientId"`  // ClientID идентификатор отправителя
	Changes   []Change `json:"changes"`   // Changes непустой список изменений
	ClientRev int64    `json:"clientRev"` // ClientRev курсор отправителя (advisory, не авторитетный)
}

// Conflict описывает обнаруженное расхождение между двумя писателями
// по одной сущности на пересекающихся ревизиях.
type Conflict struct {
	ID               string    `json:"id"`
	Entity           string    `json:"entity"`
	LocalRev         int64     `json:"localRev"`
	IncomingRev      int64     `json:"incomingRev"`
	LocalChecksum    string    `json:"localChecksum"`
	IncomingChecksum string    `json:"incomingChecksum"`
	LocalUpdatedAt   time.Time `json:"localUpdatedAt"`
	IncomingUpdatedAt time.Time `json:"incomingUpdatedAt"`
	Resolution       string    `json:"resolution"` // Resolution кто победил: "incoming" или "local"
}

// FailedChange описывает изменение, которое не удалось применить
// (malformed сущность). Не конфликт: отправитель должен исправить данные.
type FailedChange struct {
	ID     string `json:"id"`
	Entity string `json:"entity"`
	Reason string `json:"reason"`
}

// PushResponse представляет ответ сервера на POST /sync/push
type PushResponse struct {
	Conflicts    []Conflict     `json:"conflicts"`
	Failed       []FailedChange `json:"failed,omitempty"`
	AppliedCount int            `json:"appliedCount"` // AppliedCount количество применённых изменений
	LatestRev    int64          `json:"latestRev"`    // LatestRev watermark принимающей стороны
}

// PullResponse представляет ответ на GET /sync/pull?sinceRev=N&limit=M
type PullResponse struct {
	Changes   []Change `json:"changes"`
	HasMore   bool     `json:"hasMore"`   // HasMore есть ли изменения за пределами limit
	LatestRev int64    `json:"latestRev"` // LatestRev watermark отвечающей стороны
}

// ErrorResponse представляет ошибку API
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
