package boltdb

import (
	"context"
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/marketsync/internal/agent/storage"
)

var (
	keyLastSyncRev = []byte("last_sync_rev")
	keyLastPushRev = []byte("last_push_rev")
)

// GetLastSyncRev returns the pull cursor: the highest cloud revision
// the agent has already applied locally, 0 before the first sync
func (s *Storage) GetLastSyncRev(ctx context.Context) (int64, error) {
	return s.getRev(keyLastSyncRev)
}

// SetLastSyncRev advances the pull cursor
func (s *Storage) SetLastSyncRev(ctx context.Context, rev int64) error {
	return s.putRev(keyLastSyncRev, rev)
}

// GetLastPushRev returns the highest local revision acknowledged by the server
func (s *Storage) GetLastPushRev(ctx context.Context) (int64, error) {
	return s.getRev(keyLastPushRev)
}

// SetLastPushRev advances the push cursor
func (s *Storage) SetLastPushRev(ctx context.Context, rev int64) error {
	return s.putRev(keyLastPushRev, rev)
}

func (s *Storage) getRev(key []byte) (int64, error) {
	if s.db == nil {
		return 0, storage.ErrStorageClosed
	}

	var rev int64

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMeta)
		if bucket == nil {
			return nil
		}

		data := bucket.Get(key)
		if data == nil {
			// Курсора еще нет - начинаем с нуля
			return nil
		}
		if len(data) != 8 {
			return fmt.Errorf("malformed cursor value for %s", key)
		}

		rev = int64(binary.BigEndian.Uint64(data))
		return nil
	})
	if err != nil {
		return 0, err
	}

	return rev, nil
}

func (s *Storage) putRev(key []byte, rev int64) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(rev))

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMeta)
		if bucket == nil {
			return fmt.Errorf("meta bucket not found")
		}

		if err := bucket.Put(key, buf); err != nil {
			return fmt.Errorf("failed to save cursor: %w", err)
		}

		return nil
	})
}
