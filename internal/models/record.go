package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record представляет сущность в том виде, в котором её хранит
// и реплицирует движок синхронизации: sync-метаданные вынесены в
// отдельные поля, бизнес-поля остаются в Data как полный JSON сущности.
// Благодаря этому движок и хранилища не зависят от конкретного вида
// сущности: применение Change не требует знать его схему.
type Record struct {
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	Checksum  string     `json:"checksum"`
	UpdatedBy Origin     `json:"updated_by"`
	Data      []byte     `json:"data"` // Data полный JSON сущности, включая метаданные
	Rev       int64      `json:"rev"`
}

// NewRecord строит Record из сущности. Сериализует сущность целиком
// и копирует её sync-метаданные в поля записи.
func NewRecord(entity Syncable) (*Record, error) {
	data, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s entity: %w", entity.Kind(), err)
	}

	meta := entity.Meta()
	return &Record{
		ID:        meta.ID,
		Kind:      entity.Kind(),
		Rev:       meta.Rev,
		Checksum:  meta.Checksum,
		UpdatedBy: meta.UpdatedBy,
		UpdatedAt: meta.UpdatedAt,
		DeletedAt: meta.DeletedAt,
		Data:      data,
	}, nil
}

// Deleted сообщает, является ли запись tombstone
func (r *Record) Deleted() bool { return r.DeletedAt != nil }

// WinsOver применяет политику last-writer-wins к двум версиям одной
// сущности. Побеждает более поздний UpdatedAt; при равных временах
// облако считается источником истины и выигрывает у агента; при
// полностью симметричных версиях сравниваются checksums для
// детерминизма (обе стороны придут к одному победителю).
func (r *Record) WinsOver(other *Record) bool {
	if !r.UpdatedAt.Equal(other.UpdatedAt) {
		return r.UpdatedAt.After(other.UpdatedAt)
	}
	if r.UpdatedBy != other.UpdatedBy {
		return r.UpdatedBy == OriginCloud
	}
	return r.Checksum > other.Checksum
}

// Clone создает глубокую копию записи
func (r *Record) Clone() *Record {
	data := make([]byte, len(r.Data))
	copy(data, r.Data)

	clone := *r
	clone.Data = data
	if r.DeletedAt != nil {
		deletedAt := *r.DeletedAt
		clone.DeletedAt = &deletedAt
	}
	return &clone
}

// Entity десериализует бизнес-представление записи
func (r *Record) Entity() (Syncable, error) {
	return DecodeEntity(r.Kind, r.Data)
}
