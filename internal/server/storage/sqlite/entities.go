package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iudanet/marketsync/internal/models"
	"github.com/iudanet/marketsync/internal/store"
)

// Get retrieves a single record by id, including tombstones.
// Returns store.ErrNotFound if the id was never seen.
func (s *Storage) Get(ctx context.Context, id string) (*models.Record, error) {
	query := `
		SELECT id, kind, rev, checksum, updated_by, updated_at, deleted_at, data
		FROM entities
		WHERE id = ?
	`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	return rec, nil
}

// UpsertIf writes rec only if the stored rev equals expectedRev.
// Ревизия per id - единственное разделяемое изменяемое состояние,
// поэтому запись всегда условная: проигранная гонка видна вызывающему
// как store.ErrRevMismatch, а не как потерянное обновление.
func (s *Storage) UpsertIf(ctx context.Context, rec *models.Record, expectedRev int64) error {
	if expectedRev == store.RevAbsent {
		query := `
			INSERT INTO entities (id, kind, rev, checksum, updated_by, updated_at, deleted_at, data)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING
		`

		result, err := s.db.ExecContext(ctx, query,
			rec.ID,
			rec.Kind,
			rec.Rev,
			rec.Checksum,
			string(rec.UpdatedBy),
			rec.UpdatedAt.UnixMilli(),
			timeToMs(rec.DeletedAt),
			rec.Data,
		)
		if err != nil {
			return fmt.Errorf("failed to insert record: %w", err)
		}

		return checkAffected(result)
	}

	query := `
		UPDATE entities
		SET kind = ?, rev = ?, checksum = ?, updated_by = ?,
		    updated_at = ?, deleted_at = ?, data = ?
		WHERE id = ? AND rev = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		rec.Kind,
		rec.Rev,
		rec.Checksum,
		string(rec.UpdatedBy),
		rec.UpdatedAt.UnixMilli(),
		timeToMs(rec.DeletedAt),
		rec.Data,
		rec.ID,
		expectedRev,
	)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}

	return checkAffected(result)
}

// ListSince returns records with rev > sinceRev, including tombstones,
// in strict (rev, id) order. The page may exceed limit: a run of
// records sharing the boundary revision is always returned whole,
// because callers advance their cursor to the last record's rev and a
// split run would strand its tail behind the cursor forever.
func (s *Storage) ListSince(ctx context.Context, sinceRev int64, limit int) ([]*models.Record, bool, error) {
	if limit < 1 {
		limit = 1
	}

	query := `
		SELECT id, kind, rev, checksum, updated_by, updated_at, deleted_at, data
		FROM entities
		WHERE rev > ?
		ORDER BY rev ASC, id ASC
		LIMIT ?
	`

	// Запрашиваем на одну запись больше, чтобы узнать про hasMore
	records, err := s.queryRecords(ctx, query, sinceRev, limit+1)
	if err != nil {
		return nil, false, err
	}

	if len(records) <= limit {
		return records, false, nil
	}

	boundaryRev := records[limit-1].Rev
	if records[limit].Rev > boundaryRev {
		// Чистый срез: страница кончается на границе ревизий
		return records[:limit], true, nil
	}

	// Срез попал внутрь серии одинаковых ревизий - дочитываем её
	tailQuery := `
		SELECT id, kind, rev, checksum, updated_by, updated_at, deleted_at, data
		FROM entities
		WHERE rev = ? AND id > ?
		ORDER BY id ASC
	`

	tail, err := s.queryRecords(ctx, tailQuery, boundaryRev, records[len(records)-1].ID)
	if err != nil {
		return nil, false, err
	}
	records = append(records, tail...)

	var hasMore bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM entities WHERE rev > ?)`, boundaryRev,
	).Scan(&hasMore)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check for further records: %w", err)
	}

	return records, hasMore, nil
}

// queryRecords выполняет запрос, возвращающий строки entities
func (s *Storage) queryRecords(ctx context.Context, query string, args ...any) ([]*models.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return records, nil
}

// MaxRev returns the store watermark: the highest rev across all
// records, 0 for an empty store
func (s *Storage) MaxRev(ctx context.Context) (int64, error) {
	var maxRev int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(rev), 0) FROM entities`).Scan(&maxRev)
	if err != nil {
		return 0, fmt.Errorf("failed to get max rev: %w", err)
	}
	return maxRev, nil
}

// Count returns the number of live (non-tombstone) records of the
// given kind; empty kind counts across all kinds
func (s *Storage) Count(ctx context.Context, kind string) (int, error) {
	var count int
	var err error
	if kind == "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM entities WHERE deleted_at IS NULL`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM entities WHERE deleted_at IS NULL AND kind = ?`, kind).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// PurgeTombstones удаляет tombstones старше olderThan. Безопасно
// только когда все известные пиры подтвердили pull дальше их ревизий,
// поэтому по умолчанию не вызывается.
func (s *Storage) PurgeTombstones(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM entities WHERE deleted_at IS NOT NULL AND deleted_at < ?`,
		olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge tombstones: %w", err)
	}

	purged, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return purged, nil
}

// scanner общий интерфейс sql.Row и sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*models.Record, error) {
	rec := &models.Record{}
	var updatedBy string
	var updatedAt int64
	var deletedAt sql.NullInt64

	err := row.Scan(
		&rec.ID,
		&rec.Kind,
		&rec.Rev,
		&rec.Checksum,
		&updatedBy,
		&updatedAt,
		&deletedAt,
		&rec.Data,
	)
	if err != nil {
		return nil, err
	}

	rec.UpdatedBy = models.Origin(updatedBy)
	rec.UpdatedAt = msToTime(updatedAt)
	if deletedAt.Valid {
		t := msToTime(deletedAt.Int64)
		rec.DeletedAt = &t
	}

	return rec, nil
}

func checkAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return store.ErrRevMismatch
	}
	return nil
}

// Времена храним в миллисекундах: секундной точности недостаточно
// для LWW-сравнений близких конкурентных записей
func timeToMs(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
