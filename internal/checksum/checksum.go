// Package checksum вычисляет контент-хеш синхронизируемой сущности.
//
// Хеш считается только от бизнес-полей: служебные поля (rev, checksum,
// updatedAt, updatedBy) исключаются, чтобы хеш не ссылался сам на себя
// и не зависел от изменчивой бухгалтерии репликации. Ключи перед
// хешированием приводятся к каноническому порядку, поэтому две логически
// одинаковые сущности всегда дают одинаковый хеш независимо от порядка
// полей в исходной сериализации.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/iudanet/marketsync/internal/models"
)

// ErrMalformedEntity indicates that entity payload cannot be hashed:
// not a JSON object, missing id, or failing kind validation
var ErrMalformedEntity = errors.New("malformed entity")

// Служебные поля, исключаемые из хеша
var excludedFields = []string{"rev", "checksum", "updatedAt", "updatedBy"}

// Compute вычисляет детерминированный sha256-хеш бизнес-полей сущности.
// data должен быть JSON-объектом с непустым полем id.
// Никогда не хеширует частичные данные: malformed вход -> ошибка.
func Compute(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty payload", ErrMalformedEntity)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", fmt.Errorf("%w: not a JSON object: %v", ErrMalformedEntity, err)
	}

	var id string
	if raw, ok := fields["id"]; ok {
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", fmt.Errorf("%w: invalid id field", ErrMalformedEntity)
		}
	}
	if id == "" {
		return "", fmt.Errorf("%w: missing id", ErrMalformedEntity)
	}

	for _, field := range excludedFields {
		delete(fields, field)
	}

	// encoding/json сериализует map с лексикографически отсортированными
	// ключами, это и дает канонический порядок полей
	canonical, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize entity: %w", err)
	}

	hash := sha256.Sum256(canonical)
	return hex.EncodeToString(hash[:]), nil
}

// Verify пересчитывает хеш записи и сравнивает с сохраненным.
// Получатель никогда не доверяет присланному checksum для решений
// о целостности - только пересчитанному.
func Verify(rec *models.Record) (bool, error) {
	computed, err := Compute(rec.Data)
	if err != nil {
		return false, err
	}
	return computed == rec.Checksum, nil
}

// Stamp валидирует сущность, вычисляет её хеш и записывает его
// в метаданные. Используется на стороне, порождающей изменение.
func Stamp(entity models.Syncable) error {
	if err := entity.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEntity, err)
	}

	// Сериализуем с пустым checksum: его значение все равно исключается
	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("failed to marshal %s entity: %w", entity.Kind(), err)
	}

	sum, err := Compute(data)
	if err != nil {
		return err
	}

	entity.Meta().Checksum = sum
	return nil
}
