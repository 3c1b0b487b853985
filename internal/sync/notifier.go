package sync

// Типы realtime-событий, публикуемых после успешного применения изменения
const (
	EventEntityUpdated = "entity.updated"
	EventEntityDeleted = "entity.deleted"
	EventSyncApplied   = "sync.applied"
)

// Notifier best-effort канал оповещения о примененных изменениях.
// Вызывается после коммита авторитетного состояния; его отказ
// никогда не влияет на результат синхронизации.
type Notifier interface {
	// Publish рассылает событие. Fire-and-forget: ошибки доставки
	// реализация глотает или логирует сама.
	Publish(eventType, entityKind, entityID string, data []byte)
}

// NopNotifier заглушка для сторон без realtime-канала (агент, тесты)
type NopNotifier struct{}

// Publish реализует Notifier
func (NopNotifier) Publish(eventType, entityKind, entityID string, data []byte) {}
