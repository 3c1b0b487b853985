package sync

import (
	"context"
	"time"

	"github.com/iudanet/marketsync/internal/agent/watcher"
)

// debounceInterval пауза после последнего события по файлу перед его
// обработкой. Редакторы и экспортеры пишут файл несколькими событиями
// подряд; debounce склеивает их в одно изменение.
const debounceInterval = 500 * time.Millisecond

// maxApplyAttempts предел повторных попыток применить событие.
// Файл, пойманный посреди записи, дочитывается на следующем
// debounce-тике; стабильно битый файл в итоге отбрасывается.
const maxApplyAttempts = 5

// pendingEvent событие, ожидающее debounce-паузы
type pendingEvent struct {
	event    watcher.FileEvent
	queuedAt time.Time
	attempts int
}

// Run запускает фоновый цикл агента: события watcher'а превращаются в
// локальные изменения и немедленно синхронизируются, плюс периодический
// полный цикл по таймеру (подбирает облачные изменения). Блокируется
// до отмены контекста.
func (s *Service) Run(ctx context.Context, fw *watcher.FileWatcher, syncInterval time.Duration) error {
	syncTicker := time.NewTicker(syncInterval)
	defer syncTicker.Stop()

	debounceTicker := time.NewTicker(debounceInterval)
	defer debounceTicker.Stop()

	pending := make(map[string]pendingEvent)

	// Стартовый цикл: подобрать накопившееся с прошлого запуска
	if err := s.Sync(ctx); err != nil {
		s.logger.Warn("Initial sync failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events():
			if !ok {
				return nil
			}
			// Последнее событие по пути выигрывает
			pending[ev.Path] = pendingEvent{event: ev, queuedAt: time.Now()}

		case err, ok := <-fw.Errors():
			if !ok {
				return nil
			}
			s.logger.Error("Watcher error", "error", err)

		case <-debounceTicker.C:
			if s.flushPending(ctx, pending) {
				if err := s.Sync(ctx); err != nil {
					s.logger.Warn("Sync after file change failed", "error", err)
				}
			}

		case <-syncTicker.C:
			if err := s.Sync(ctx); err != nil {
				s.logger.Warn("Periodic sync failed", "error", err)
			}
		}
	}
}

// flushPending обрабатывает события, отлежавшие debounce-паузу.
// Возвращает true если хотя бы одно изменение записано. Не применившееся
// событие (файл пойман посреди записи, не дочитался) возвращается в
// pending и перепроверяется на следующем тике, пока не исчерпает
// maxApplyAttempts.
func (s *Service) flushPending(ctx context.Context, pending map[string]pendingEvent) bool {
	now := time.Now()
	applied := false
	var retry []pendingEvent

	for path, p := range pending {
		if now.Sub(p.queuedAt) < debounceInterval {
			continue
		}
		delete(pending, path)

		if err := s.ApplyFileEvent(ctx, p.event); err != nil {
			p.attempts++
			if p.attempts >= maxApplyAttempts {
				s.logger.Error("Giving up on file change",
					"path", path, "op", p.event.Op.String(),
					"attempts", p.attempts, "error", err)
				continue
			}
			s.logger.Warn("Failed to apply file change, will retry",
				"path", path, "op", p.event.Op.String(),
				"attempt", p.attempts, "error", err)
			p.queuedAt = now
			retry = append(retry, p)
			continue
		}
		applied = true
	}

	// Возврат в pending после обхода: событие не должно попасть
	// под повторную обработку в этом же проходе
	for _, p := range retry {
		// Свежее событие по тому же пути приоритетнее ретрая
		if _, ok := pending[p.event.Path]; !ok {
			pending[p.event.Path] = p
		}
	}

	return applied
}
