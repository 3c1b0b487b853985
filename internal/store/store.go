// Package store определяет контракт хранилища синхронизируемых записей.
// Его реализуют обе стороны протокола: sqlite на сервере и bbolt на агенте.
package store

import (
	"context"
	"errors"

	"github.com/iudanet/marketsync/internal/models"
)

var (
	// ErrNotFound indicates that record was not found in storage
	ErrNotFound = errors.New("record not found")

	// ErrRevMismatch indicates that conditional write lost the race:
	// stored rev differs from the expected one
	ErrRevMismatch = errors.New("revision mismatch")
)

// RevAbsent значение expectedRev для записи, которой еще нет в хранилище
const RevAbsent int64 = -1

// Store хранилище записей с optimistic-concurrency семантикой записи.
// Единственное разделяемое изменяемое состояние протокола - ревизия
// per id, поэтому запись всегда условная: "обнови, только если текущая
// ревизия равна ожидаемой", иначе ErrRevMismatch.
type Store interface {
	// Get возвращает запись по id (включая tombstones).
	// Возвращает ErrNotFound если записи никогда не было.
	Get(ctx context.Context, id string) (*models.Record, error)

	// UpsertIf записывает rec, только если текущая ревизия записи
	// равна expectedRev (RevAbsent - записи быть не должно).
	// Возвращает ErrRevMismatch при проигранной гонке.
	UpsertIf(ctx context.Context, rec *models.Record, expectedRev int64) error

	// ListSince возвращает записи (включая tombstones) с rev > sinceRev
	// в строгом порядке (rev, id) и признак того, что остались еще
	// записи. Страница может превышать limit: серия записей с равной
	// граничной ревизией отдается целиком, иначе курсор вызывающего
	// (rev последнего элемента) навсегда перепрыгнул бы её хвост.
	ListSince(ctx context.Context, sinceRev int64, limit int) ([]*models.Record, bool, error)

	// MaxRev возвращает watermark хранилища: максимальную ревизию
	// по всем записям, 0 для пустого хранилища.
	MaxRev(ctx context.Context) (int64, error)

	// Count возвращает количество живых (не tombstone) записей вида kind.
	// Пустой kind считает по всем видам.
	Count(ctx context.Context, kind string) (int, error)
}
