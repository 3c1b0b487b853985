// Package sync реализует клиентскую сторону синхронизации каталога:
// отправку локальных изменений в облако и применение облачных
// изменений к локальному хранилищу.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/iudanet/marketsync/internal/agent/watcher"
	"github.com/iudanet/marketsync/internal/checksum"
	"github.com/iudanet/marketsync/internal/models"
	"github.com/iudanet/marketsync/internal/store"
	engine "github.com/iudanet/marketsync/internal/sync"
	"github.com/iudanet/marketsync/pkg/api"
)

const (
	// pushBatchSize максимальный размер одного push-батча
	pushBatchSize = 100
	// pullPageSize размер страницы pull
	pullPageSize = 100

	// cloudSenderID идентификатор облака как отправителя при локальном
	// применении pull-ответов
	cloudSenderID = "cloud"
)

// Transport defines the HTTP client interface used by the service
type Transport interface {
	Push(ctx context.Context, batch api.ChangeBatch) (*api.PushResponse, error)
	Pull(ctx context.Context, sinceRev int64, limit int) (*api.PullResponse, error)
}

// RetryQueue defines the durable queue interface for deferred pushes
type RetryQueue interface {
	Enqueue(change api.Change) error
	PeekBatch(max int) ([]api.Change, error)
	Discard(n int) error
	Length() uint64
}

// Storage объединяет хранилище записей и sync-курсоры агента
type Storage interface {
	store.Store

	GetLastSyncRev(ctx context.Context) (int64, error)
	SetLastSyncRev(ctx context.Context, rev int64) error
	GetLastPushRev(ctx context.Context) (int64, error)
	SetLastPushRev(ctx context.Context, rev int64) error
}

// Service представляет сервис синхронизации агента
type Service struct {
	storage  Storage
	client   Transport
	queue    RetryQueue
	engine   *engine.Engine
	logger   *slog.Logger
	clientID string

	// mu сериализует циклы синхронизации: watcher и периодический
	// таймер не должны гонять push/pull параллельно
	mu sync.Mutex
}

// NewService создает сервис синхронизации
func NewService(st Storage, client Transport, q RetryQueue, clientID string, logger *slog.Logger) *Service {
	return &Service{
		storage:  st,
		client:   client,
		queue:    q,
		engine:   engine.New(st, nil, logger),
		logger:   logger,
		clientID: clientID,
	}
}

// Sync выполняет полный цикл: доотправка отложенной очереди, push
// локальных изменений, pull облачных. Любой этап может оставить
// работу на следующий цикл - протокол идемпотентен.
func (s *Service) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("Starting sync cycle")

	if err := s.drainQueue(ctx); err != nil {
		return fmt.Errorf("failed to drain deferred queue: %w", err)
	}

	if err := s.pushPending(ctx); err != nil {
		return fmt.Errorf("push failed: %w", err)
	}

	if err := s.pullCloud(ctx); err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}

	s.logger.Info("Sync cycle completed")
	return nil
}

// drainQueue доотправляет изменения, отложенные прошлыми неудачными
// циклами. Изменение удаляется из очереди только после подтверждения
// сервера.
func (s *Service) drainQueue(ctx context.Context) error {
	for s.queue.Length() > 0 {
		changes, err := s.queue.PeekBatch(pushBatchSize)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			return nil
		}

		resp, err := s.client.Push(ctx, api.ChangeBatch{
			ClientID: s.clientID,
			Changes:  changes,
		})
		if err != nil {
			return err
		}

		s.logDeferred(resp, len(changes))

		if err := s.queue.Discard(len(changes)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) logDeferred(resp *api.PushResponse, sent int) {
	s.logger.Info("Deferred changes delivered",
		"sent", sent,
		"applied", resp.AppliedCount,
		"conflicts", len(resp.Conflicts),
		"failed", len(resp.Failed))
}

// pushPending отправляет локальные изменения с ревизией выше
// push-курсора. При недоступном сервере изменения перекладываются в
// durable очередь, курсор продвигается: владение доставкой переходит
// к очереди.
func (s *Service) pushPending(ctx context.Context) error {
	lastPush, err := s.storage.GetLastPushRev(ctx)
	if err != nil {
		return err
	}

	for {
		records, hasMore, err := s.storage.ListSince(ctx, lastPush, pushBatchSize)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		scannedRev := records[len(records)-1].Rev

		// Отправляем только локально порожденные записи: облачные
		// пришли по pull, возвращать их обратно - эхо
		changes := make([]api.Change, 0, len(records))
		for _, rec := range records {
			if rec.UpdatedBy != models.OriginLocal {
				continue
			}
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

		if len(changes) > 0 {
			resp, err := s.client.Push(ctx, api.ChangeBatch{
				ClientID:  s.clientID,
				Changes:   changes,
				ClientRev: scannedRev,
			})
			if err != nil {
				return s.deferChanges(ctx, changes, scannedRev, err)
			}

			s.logger.Info("Pushed local changes",
				"sent", len(changes),
				"applied", resp.AppliedCount,
				"conflicts", len(resp.Conflicts),
				"failed", len(resp.Failed),
				"server_rev", resp.LatestRev)

			for _, f := range resp.Failed {
				s.logger.Warn("Server rejected change",
					"id", f.ID, "entity", f.Entity, "reason", f.Reason)
			}
		}

		lastPush = scannedRev
		if err := s.storage.SetLastPushRev(ctx, lastPush); err != nil {
			return err
		}

		if !hasMore {
			return nil
		}
	}
}

// deferChanges переносит неотправленные изменения в durable очередь
// и продвигает push-курсор за них.
func (s *Service) deferChanges(ctx context.Context, changes []api.Change, scannedRev int64, cause error) error {
	for _, change := range changes {
		if err := s.queue.Enqueue(change); err != nil {
			// Очередь не приняла - курсор не трогаем, изменения
			// останутся видимыми следующему pushPending
			return fmt.Errorf("failed to defer changes: %w (push error: %v)", err, cause)
		}
	}
	if err := s.storage.SetLastPushRev(ctx, scannedRev); err != nil {
		return err
	}

	s.logger.Warn("Server unavailable, changes deferred",
		"deferred", len(changes), "error", cause)
	return fmt.Errorf("server unavailable, %d changes deferred: %w", len(changes), cause)
}

// pullCloud скачивает облачные изменения страницами и применяет их
// к локальному хранилищу тем же движком, что работает на сервере.
func (s *Service) pullCloud(ctx context.Context) error {
	since, err := s.storage.GetLastSyncRev(ctx)
	if err != nil {
		return err
	}

	for {
		resp, err := s.client.Pull(ctx, since, pullPageSize)
		if err != nil {
			return err
		}

		if len(resp.Changes) == 0 {
			// Облако догнано: фиксируем его watermark как курсор
			if resp.LatestRev > since {
				since = resp.LatestRev
				if err := s.storage.SetLastSyncRev(ctx, since); err != nil {
					return err
				}
			}
			return nil
		}

		result, err := s.engine.ProcessBatch(ctx, &api.ChangeBatch{
			ClientID: cloudSenderID,
			Changes:  resp.Changes,
		})
		if err != nil {
			return err
		}

		s.logger.Info("Applied cloud changes",
			"received", len(resp.Changes),
			"applied", result.AppliedCount,
			"conflicts", len(result.Conflicts))

		// Курсор - облачная ревизия последнего изменения страницы
		pageRev, err := lastChangeRev(resp.Changes)
		if err != nil {
			return err
		}
		if pageRev > since {
			since = pageRev
		}
		if err := s.storage.SetLastSyncRev(ctx, since); err != nil {
			return err
		}

		if !resp.HasMore {
			return nil
		}
	}
}

// lastChangeRev извлекает ревизию последнего изменения страницы
func lastChangeRev(changes []api.Change) (int64, error) {
	last := changes[len(changes)-1]
	entity, err := models.DecodeEntity(last.Entity, last.Data)
	if err != nil {
		return 0, fmt.Errorf("failed to decode pulled change: %w", err)
	}
	return entity.Meta().Rev, nil
}

// Status сводка состояния синхронизации для команды status
type Status struct {
	LastSyncRev int64
	LastPushRev int64
	LocalRev    int64
	Deferred    uint64
	Products    int
	Categories  int
}

// Status возвращает текущее состояние синхронизации агента
func (s *Service) Status(ctx context.Context) (*Status, error) {
	lastSync, err := s.storage.GetLastSyncRev(ctx)
	if err != nil {
		return nil, err
	}
	lastPush, err := s.storage.GetLastPushRev(ctx)
	if err != nil {
		return nil, err
	}
	localRev, err := s.storage.MaxRev(ctx)
	if err != nil {
		return nil, err
	}
	products, err := s.storage.Count(ctx, models.KindProduct)
	if err != nil {
		return nil, err
	}
	categories, err := s.storage.Count(ctx, models.KindCategory)
	if err != nil {
		return nil, err
	}

	return &Status{
		LastSyncRev: lastSync,
		LastPushRev: lastPush,
		LocalRev:    localRev,
		Deferred:    s.queue.Length(),
		Products:    products,
		Categories:  categories,
	}, nil
}

// ApplyFileEvent превращает событие файловой системы в локальное
// изменение каталога: читает файл, штампует sync-метаданные и пишет
// запись в локальное хранилище. Запись без изменения содержимого
// (checksum совпал) отбрасывается и не порождает ревизию.
func (s *Service) ApplyFileEvent(ctx context.Context, ev watcher.FileEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Op == watcher.OpDelete {
		return s.applyFileDelete(ctx, ev)
	}
	return s.applyFileUpsert(ctx, ev)
}

func (s *Service) applyFileUpsert(ctx context.Context, ev watcher.FileEvent) error {
	data, err := os.ReadFile(ev.Path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", ev.Path, err)
	}

	entity, err := models.DecodeEntity(ev.Kind, data)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", ev.Path, err)
	}

	meta := entity.Meta()
	if meta.ID == "" {
		return fmt.Errorf("%s: entity has no id", ev.Path)
	}

	local, err := s.storage.Get(ctx, meta.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	// Штампуем как свежую локальную мутацию
	expectedRev := store.RevAbsent
	nextRev := int64(1)
	if local != nil {
		expectedRev = local.Rev
		nextRev = local.Rev + 1
	}

	meta.Rev = nextRev
	meta.UpdatedBy = models.OriginLocal
	meta.DeletedAt = nil
	if err := checksum.Stamp(entity); err != nil {
		return fmt.Errorf("%s: %w", ev.Path, err)
	}

	// Содержимое не изменилось - не плодим пустые ревизии
	if local != nil && !local.Deleted() && meta.Checksum == local.Checksum {
		s.logger.Debug("Skipping no-op file change", "id", meta.ID, "path", ev.Path)
		return nil
	}

	meta.UpdatedAt = time.Now().UTC()

	rec, err := models.NewRecord(entity)
	if err != nil {
		return err
	}
	if err := s.storage.UpsertIf(ctx, rec, expectedRev); err != nil {
		return fmt.Errorf("failed to save local change %s: %w", meta.ID, err)
	}

	s.logger.Info("Local change recorded",
		"id", meta.ID, "kind", ev.Kind, "rev", rec.Rev)
	return nil
}

// applyFileDelete строит tombstone для удаленного файла. Имя файла
// каталога - это id сущности: products/<id>.json.
func (s *Service) applyFileDelete(ctx context.Context, ev watcher.FileEvent) error {
	id := strings.TrimSuffix(filepath.Base(ev.Path), ".json")

	local, err := s.storage.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Файл никогда не синхронизировался - удалять нечего
			return nil
		}
		return err
	}
	if local.Deleted() {
		return nil
	}

	entity, err := local.Entity()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	meta := entity.Meta()
	meta.Rev = local.Rev + 1
	meta.UpdatedAt = now
	meta.DeletedAt = &now
	meta.UpdatedBy = models.OriginLocal

	// Checksum живой версии больше не описывает содержимое:
	// tombstone хешируется заново, уже с deletedAt
	if err := checksum.Stamp(entity); err != nil {
		return err
	}

	rec, err := models.NewRecord(entity)
	if err != nil {
		return err
	}
	if err := s.storage.UpsertIf(ctx, rec, local.Rev); err != nil {
		return fmt.Errorf("failed to record local delete %s: %w", id, err)
	}

	s.logger.Info("Local delete recorded", "id", id, "kind", ev.Kind, "rev", rec.Rev)
	return nil
}
