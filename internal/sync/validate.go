package sync

import (
	"encoding/json"
	"fmt"

	"github.com/iudanet/marketsync/internal/models"
	"github.com/iudanet/marketsync/pkg/api"
)

// ValidationError ошибка структурной валидации батча.
// Такой батч отклоняется целиком (400), не ретраится и не ставится
// в очередь: отправитель должен исправить данные и послать заново.
type ValidationError struct {
	msg string
}

// Error реализует error
func (e *ValidationError) Error() string { return e.msg }

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// ValidateBatch проверяет структуру батча до какой-либо обработки:
// непустой список изменений, известные виды сущностей, корректные
// операции, непустые id. Ошибка валидации атомарно отклоняет весь
// батч - ничего не применяется.
func ValidateBatch(batch *api.ChangeBatch) error {
	if batch.ClientID == "" {
		return validationErrorf("clientId is required")
	}
	if len(batch.Changes) == 0 {
		return validationErrorf("changes must be non-empty")
	}

	for i, change := range batch.Changes {
		if change.Op != api.OpUpsert && change.Op != api.OpDelete {
			return validationErrorf("change %d: unknown op %q", i, change.Op)
		}
		if !models.KnownKind(change.Entity) {
			return validationErrorf("change %d: unknown entity kind %q", i, change.Entity)
		}
		if len(change.Data) == 0 {
			return validationErrorf("change %d: data is required", i)
		}

		// Достаем только метаданные: полную десериализацию и проверку
		// бизнес-полей движок делает per-change, не атомарно
		var meta models.SyncMeta
		if err := json.Unmarshal(change.Data, &meta); err != nil {
			return validationErrorf("change %d: invalid entity payload: %v", i, err)
		}
		if meta.ID == "" {
			return validationErrorf("change %d: entity id is required", i)
		}
		if meta.Rev < 0 {
			return validationErrorf("change %d: rev must be non-negative, got %d", i, meta.Rev)
		}
		if !meta.UpdatedBy.Valid() {
			return validationErrorf("change %d: invalid updatedBy %q", i, meta.UpdatedBy)
		}
	}

	return nil
}
