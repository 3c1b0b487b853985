package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/iudanet/marketsync/internal/agent/storage"
	"github.com/iudanet/marketsync/internal/models"
	"github.com/iudanet/marketsync/internal/store"
)

// Get retrieves an entity record by ID (including tombstones)
func (s *Storage) Get(ctx context.Context, id string) (*models.Record, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var rec *models.Record

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntities)
		if bucket == nil {
			return store.ErrNotFound
		}

		data := bucket.Get([]byte(id))
		if data == nil {
			return store.ErrNotFound
		}

		// Десериализуем
		rec = &models.Record{}
		if err := json.Unmarshal(data, rec); err != nil {
			return fmt.Errorf("failed to unmarshal record: %w", err)
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	return rec, nil
}

// UpsertIf записывает rec, только если текущая ревизия записи
// совпадает с expectedRev. Проверка и запись идут в одной
// bbolt-транзакции, поэтому гонок между проверкой и Put нет.
func (s *Storage) UpsertIf(ctx context.Context, rec *models.Record, expectedRev int64) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntities)
		if bucket == nil {
			return fmt.Errorf("entities bucket not found")
		}

		existing := bucket.Get([]byte(rec.ID))
		if expectedRev == store.RevAbsent {
			if existing != nil {
				return store.ErrRevMismatch
			}
		} else {
			if existing == nil {
				return store.ErrRevMismatch
			}
			var current models.Record
			if err := json.Unmarshal(existing, &current); err != nil {
				return fmt.Errorf("failed to unmarshal current record: %w", err)
			}
			if current.Rev != expectedRev {
				return store.ErrRevMismatch
			}
		}

		if err := bucket.Put([]byte(rec.ID), data); err != nil {
			return fmt.Errorf("failed to save record: %w", err)
		}

		return nil
	})

	if err != nil {
		return err
	}

	return nil
}

// ListSince возвращает записи с rev > sinceRev в строгом порядке
// (rev, id). Страница может превышать limit: серия записей с равной
// граничной ревизией отдается целиком. BoltDB хранит записи по ключу
// id, поэтому выборка собирается полным сканом и сортируется в памяти:
// локальный каталог агента невелик, индекса по rev не требуется.
func (s *Storage) ListSince(ctx context.Context, sinceRev int64, limit int) ([]*models.Record, bool, error) {
	if s.db == nil {
		return nil, false, storage.ErrStorageClosed
	}

	var records []*models.Record

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntities)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var rec models.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal record: %w", err)
			}

			if rec.Rev > sinceRev {
				records = append(records, &rec)
			}

			return nil
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to list records: %w", err)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Rev != records[j].Rev {
			return records[i].Rev < records[j].Rev
		}
		return records[i].ID < records[j].ID
	})

	hasMore := false
	if limit > 0 && len(records) > limit {
		// Страница не режется внутри серии одинаковых ревизий:
		// курсор вызывающего - это rev последнего элемента, и
		// обрезанные соседи с той же ревизией были бы потеряны
		cut := limit
		boundaryRev := records[limit-1].Rev
		for cut < len(records) && records[cut].Rev == boundaryRev {
			cut++
		}
		if cut < len(records) {
			records = records[:cut]
			hasMore = true
		}
	}

	return records, hasMore, nil
}

// MaxRev returns the maximum revision in the local store, 0 when empty
func (s *Storage) MaxRev(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, storage.ErrStorageClosed
	}

	var maxRev int64

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntities)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var rec models.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal record: %w", err)
			}

			if rec.Rev > maxRev {
				maxRev = rec.Rev
			}

			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get max revision: %w", err)
	}

	return maxRev, nil
}

// Count returns the number of live (non-tombstone) records of kind.
// Empty kind counts across all kinds.
func (s *Storage) Count(ctx context.Context, kind string) (int, error) {
	if s.db == nil {
		return 0, storage.ErrStorageClosed
	}

	count := 0

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntities)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var rec models.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal record: %w", err)
			}

			if rec.Deleted() {
				return nil
			}
			if kind != "" && rec.Kind != kind {
				return nil
			}

			count++
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}

	return count, nil
}
