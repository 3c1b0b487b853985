package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Origin метка происхождения последней записи.
// Используется чтобы не отдавать изменение обратно его же источнику
// (защита от бесконечного ping-pong между облаком и агентом).
type Origin string

const (
	// OriginCloud запись сделана облачным сервисом
	OriginCloud Origin = "cloud"
	// OriginLocal запись сделана локальным агентом
	OriginLocal Origin = "local"
)

// Valid проверяет что origin один из известных
func (o Origin) Valid() bool {
	return o == OriginCloud || o == OriginLocal
}

// SyncMeta содержит sync-метаданные, общие для всех синхронизируемых сущностей.
// Встраивается в каждый конкретный тип (Product, Category, ...).
type SyncMeta struct {
	UpdatedAt time.Time  `json:"updatedAt"`           // UpdatedAt время последней мутации, монотонно неубывающее per id
	DeletedAt *time.Time `json:"deletedAt,omitempty"` // DeletedAt non-nil означает tombstone
	ID        string     `json:"id"`                  // ID неизменяемый уникальный идентификатор
	Checksum  string     `json:"checksum"`            // Checksum контент-хеш бизнес-полей
	UpdatedBy Origin     `json:"updatedBy"`           // UpdatedBy метка происхождения последней записи
	Rev       int64      `json:"rev"`                 // Rev строго растущая ревизия per id
}

// Meta возвращает указатель на встроенные метаданные.
// Через него реализуется Syncable во всех конкретных типах.
func (m *SyncMeta) Meta() *SyncMeta { return m }

// Deleted сообщает, является ли запись tombstone
func (m *SyncMeta) Deleted() bool { return m.DeletedAt != nil }

// Syncable реализуется каждым видом синхронизируемой сущности.
// Новые виды добавляются регистрацией в kinds, протокол при этом не меняется.
type Syncable interface {
	// Kind возвращает вид сущности ("product", "category")
	Kind() string

	// Meta возвращает sync-метаданные сущности
	Meta() *SyncMeta

	// Validate проверяет обязательные бизнес-поля.
	// Сущность с пустыми обязательными полями не хешируется и не применяется.
	Validate() error
}

// Известные виды сущностей
const (
	KindProduct  = "product"
	KindCategory = "category"
)

// kinds закрытый набор конструкторов по виду сущности
var kinds = map[string]func() Syncable{
	KindProduct:  func() Syncable { return &Product{} },
	KindCategory: func() Syncable { return &Category{} },
}

// KnownKind проверяет, что вид сущности зарегистрирован
func KnownKind(kind string) bool {
	_, ok := kinds[kind]
	return ok
}

// NewByKind создает пустую сущность зарегистрированного вида
func NewByKind(kind string) (Syncable, error) {
	ctor, ok := kinds[kind]
	if !ok {
		return nil, fmt.Errorf("unknown entity kind: %q", kind)
	}
	return ctor(), nil
}

// DecodeEntity десериализует JSON сущности зарегистрированного вида
func DecodeEntity(kind string, data []byte) (Syncable, error) {
	entity, err := NewByKind(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, entity); err != nil {
		return nil, fmt.Errorf("failed to decode %s entity: %w", kind, err)
	}
	return entity, nil
}
