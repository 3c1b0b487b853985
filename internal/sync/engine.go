// Package sync реализует протокол push/pull реконсиляции каталога.
//
// Движок один и тот же на обеих сторонах: сервер применяет батчи
// агентов к sqlite-хранилищу, агент применяет ответы pull к bbolt.
// Применение каждого изменения независимо идемпотентно, поэтому
// передоставка и переупорядочивание батчей безопасны.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/iudanet/marketsync/internal/checksum"
	"github.com/iudanet/marketsync/internal/models"
	"github.com/iudanet/marketsync/internal/store"
	"github.com/iudanet/marketsync/pkg/api"
)

// Варианты разрешения конфликта в api.Conflict.Resolution
const (
	ResolutionIncoming = "incoming"
	ResolutionLocal    = "local"
)

// casMaxAttempts ограничивает повторы проигранной optimistic-гонки
// за одну запись. Параллельные писатели одного id - аномалия, а не
// рабочий режим, поэтому порог маленький.
const casMaxAttempts = 5

// Engine движок синхронизации поверх произвольного Store
type Engine struct {
	store    store.Store
	notifier Notifier
	logger   *slog.Logger
}

// New создает движок. notifier может быть nil - тогда события не публикуются.
func New(st store.Store, notifier Notifier, logger *slog.Logger) *Engine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Engine{
		store:    st,
		notifier: notifier,
		logger:   logger,
	}
}

// Result итог применения батча
type Result struct {
	Conflicts    []api.Conflict
	Failed       []api.FailedChange
	AppliedCount int
	LatestRev    int64
}

// outcome итог применения одного изменения
type outcome struct {
	conflict *api.Conflict
	failed   *api.FailedChange
	applied  bool
	deleted  bool
	record   *models.Record
}

// ProcessBatch идемпотентно применяет входящий батч изменение за
// изменением в порядке массива. Per-change отказы (конфликт, malformed
// сущность) изолированы: батч продолжается, вызывающий получает
// структурную сводку. Ошибка хранилища прерывает обработку.
func (e *Engine) ProcessBatch(ctx context.Context, batch *api.ChangeBatch) (*Result, error) {
	if err := ValidateBatch(batch); err != nil {
		return nil, err
	}

	e.logger.Info("Processing incoming batch",
		"client_id", batch.ClientID,
		"client_rev", batch.ClientRev,
		"changes", len(batch.Changes))

	result := &Result{
		Conflicts: []api.Conflict{},
	}

	for _, change := range batch.Changes {
		out, err := e.applyChange(ctx, change)
		if err != nil {
			return nil, fmt.Errorf("failed to apply change for %s: %w", change.Entity, err)
		}

		switch {
		case out.failed != nil:
			result.Failed = append(result.Failed, *out.failed)
		case out.conflict != nil:
			result.Conflicts = append(result.Conflicts, *out.conflict)
		}

		if out.applied {
			result.AppliedCount++
			e.publish(out)
		}
	}

	latestRev, err := e.store.MaxRev(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get store watermark: %w", err)
	}
	result.LatestRev = latestRev

	e.logger.Info("Batch processed",
		"client_id", batch.ClientID,
		"applied", result.AppliedCount,
		"conflicts", len(result.Conflicts),
		"failed", len(result.Failed),
		"latest_rev", result.LatestRev)

	if result.AppliedCount > 0 {
		e.publishBatch(batch.ClientID, result)
	}

	return result, nil
}

// publishBatch публикует итоговое событие батча для подписчиков,
// которым важен факт коммита, а не отдельные сущности
func (e *Engine) publishBatch(clientID string, result *Result) {
	summary, err := json.Marshal(map[string]any{
		"clientId":  clientID,
		"applied":   result.AppliedCount,
		"latestRev": result.LatestRev,
	})
	if err != nil {
		return
	}
	e.notifier.Publish(EventSyncApplied, "", "", summary)
}

// applyChange применяет одно изменение по алгоритму из протокола:
// сравнение ревизий per id, эхо-подавление, checksum short-circuit,
// LWW-разрешение конфликтов. Запись всегда условная по ревизии.
func (e *Engine) applyChange(ctx context.Context, change api.Change) (*outcome, error) {
	incoming, isDelete, failed := e.decodeChange(change)
	if failed != nil {
		return &outcome{failed: failed}, nil
	}

	for attempt := 0; attempt < casMaxAttempts; attempt++ {
		local, err := e.store.Get(ctx, incoming.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up record %s: %w", incoming.ID, err)
		}

		// Записи еще нет: применяем напрямую. Delete неизвестного id
		// фиксируется как tombstone, это no-op, но не ошибка.
		if local == nil {
			if err := e.store.UpsertIf(ctx, incoming, store.RevAbsent); err != nil {
				if errors.Is(err, store.ErrRevMismatch) {
					continue
				}
				return nil, fmt.Errorf("failed to insert record %s: %w", incoming.ID, err)
			}
			return &outcome{applied: true, deleted: isDelete, record: incoming}, nil
		}

		// Обычный случай: строго более новая ревизия
		if incoming.Rev > local.Rev {
			if err := e.store.UpsertIf(ctx, incoming, local.Rev); err != nil {
				if errors.Is(err, store.ErrRevMismatch) {
					continue
				}
				return nil, fmt.Errorf("failed to update record %s: %w", incoming.ID, err)
			}
			return &outcome{applied: true, deleted: isDelete, record: incoming}, nil
		}

		// incoming.Rev <= local.Rev: передоставка, эхо или конфликт

		// Tombstone поверх tombstone - идемпотентная передоставка
		if isDelete && local.Deleted() {
			return &outcome{}, nil
		}

		// Эхо нашей же прошлой записи, долетевшее повторно
		if incoming.UpdatedBy == local.UpdatedBy {
			e.logger.Debug("Skipping redelivered change",
				"id", incoming.ID, "rev", incoming.Rev, "local_rev", local.Rev)
			return &outcome{}, nil
		}

		// Одинаковое содержимое - дубликат, no-op
		if incoming.Checksum == local.Checksum {
			return &outcome{}, nil
		}

		// Tombstone применяется всегда, даже с устаревшей ревизией.
		// Ревизию поднимаем до local+1, чтобы не сломать монотонность.
		if isDelete {
			resolved, err := restampRev(incoming, local.Rev+1)
			if err != nil {
				return nil, err
			}
			if err := e.store.UpsertIf(ctx, resolved, local.Rev); err != nil {
				if errors.Is(err, store.ErrRevMismatch) {
					continue
				}
				return nil, fmt.Errorf("failed to apply tombstone %s: %w", incoming.ID, err)
			}
			return &outcome{applied: true, deleted: true, record: resolved}, nil
		}

		// Конфликт: два источника дали разное содержимое на
		// пересекающейся ревизии. Разрешаем LWW по updatedAt,
		// проигравшая версия остается в списке для аудита.
		conflict := api.Conflict{
			ID:                incoming.ID,
			Entity:            incoming.Kind,
			LocalRev:          local.Rev,
			IncomingRev:       incoming.Rev,
			LocalChecksum:     local.Checksum,
			IncomingChecksum:  incoming.Checksum,
			LocalUpdatedAt:    local.UpdatedAt,
			IncomingUpdatedAt: incoming.UpdatedAt,
		}

		if !incoming.WinsOver(local) {
			conflict.Resolution = ResolutionLocal
			e.logger.Warn("Conflict resolved, local version kept",
				"id", incoming.ID, "local_rev", local.Rev, "incoming_rev", incoming.Rev)
			return &outcome{conflict: &conflict}, nil
		}

		conflict.Resolution = ResolutionIncoming
		resolved, err := restampRev(incoming, local.Rev+1)
		if err != nil {
			return nil, err
		}
		if err := e.store.UpsertIf(ctx, resolved, local.Rev); err != nil {
			if errors.Is(err, store.ErrRevMismatch) {
				continue
			}
			return nil, fmt.Errorf("failed to apply resolved record %s: %w", incoming.ID, err)
		}

		e.logger.Warn("Conflict resolved, incoming version applied",
			"id", incoming.ID, "local_rev", local.Rev, "incoming_rev", incoming.Rev)
		return &outcome{applied: true, conflict: &conflict, record: resolved}, nil
	}

	return nil, fmt.Errorf("record %s: too many concurrent writers", change.Entity)
}

// decodeChange превращает wire-изменение в Record с пересчитанным
// checksum. Malformed сущность фатальна для одного изменения (failed
// entry), но не прерывает батч.
func (e *Engine) decodeChange(change api.Change) (*models.Record, bool, *api.FailedChange) {
	fail := func(id string, err error) *api.FailedChange {
		e.logger.Warn("Rejecting malformed change",
			"entity", change.Entity, "id", id, "error", err)
		return &api.FailedChange{ID: id, Entity: change.Entity, Reason: err.Error()}
	}

	entity, err := models.DecodeEntity(change.Entity, change.Data)
	if err != nil {
		return nil, false, fail("", err)
	}
	meta := entity.Meta()

	isDelete := change.Op == api.OpDelete || meta.Deleted()

	// Tombstone может не нести бизнес-полей, живая запись - обязана
	if !isDelete {
		if err := entity.Validate(); err != nil {
			return nil, false, fail(meta.ID, err)
		}
	}
	if isDelete && meta.DeletedAt == nil {
		deletedAt := meta.UpdatedAt
		meta.DeletedAt = &deletedAt
	}

	// Checksum отправителя не используется для решений о целостности:
	// всегда пересчитываем, причем из финального вида сущности -
	// инъекция deletedAt выше должна попасть в хеш
	final, err := json.Marshal(entity)
	if err != nil {
		return nil, false, fail(meta.ID, err)
	}
	sum, err := checksum.Compute(final)
	if err != nil {
		return nil, false, fail(meta.ID, err)
	}
	meta.Checksum = sum

	rec, err := models.NewRecord(entity)
	if err != nil {
		return nil, false, fail(meta.ID, err)
	}
	return rec, isDelete, nil
}

// publish оповещает realtime-канал о примененном изменении.
// Best-effort: реализация Notifier сама глотает ошибки доставки.
func (e *Engine) publish(out *outcome) {
	eventType := EventEntityUpdated
	if out.deleted {
		eventType = EventEntityDeleted
	}
	e.notifier.Publish(eventType, out.record.Kind, out.record.ID, out.record.Data)
}

// ChangesSince возвращает страницу исходящих изменений: все записи
// (включая tombstones) с rev > sinceRev в строгом порядке (rev, id).
// Вызывающий листает, поднимая sinceRev до rev последнего элемента;
// страница может быть больше limit - серия записей с равной граничной
// ревизией никогда не режется, иначе такой курсор потерял бы её хвост.
func (e *Engine) ChangesSince(ctx context.Context, sinceRev int64, limit int) (*api.PullResponse, error) {
	records, hasMore, err := e.store.ListSince(ctx, sinceRev, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes since rev %d: %w", sinceRev, err)
	}

	changes := make([]api.Change, 0, len(records))
	for _, rec := range records {
		op := api.OpUpsert
		if rec.Deleted() {
			op = api.OpDelete
		}
		changes = append(changes, api.Change{
			Entity: rec.Kind,
			Op:     op,
			Data:   rec.Data,
		})
	}

	latestRev, err := e.store.MaxRev(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get store watermark: %w", err)
	}

	return &api.PullResponse{
		Changes:   changes,
		HasMore:   hasMore,
		LatestRev: latestRev,
	}, nil
}

// restampRev поднимает ревизию записи, поддерживая поле rev внутри
// JSON сущности консистентным с записью.
func restampRev(rec *models.Record, rev int64) (*models.Record, error) {
	entity, err := rec.Entity()
	if err != nil {
		return nil, fmt.Errorf("failed to restamp record %s: %w", rec.ID, err)
	}
	entity.Meta().Rev = rev
	restamped, err := models.NewRecord(entity)
	if err != nil {
		return nil, fmt.Errorf("failed to restamp record %s: %w", rec.ID, err)
	}
	return restamped, nil
}
