// Package queue реализует durable очередь отложенных изменений.
//
// Изменения, которые не удалось отправить (сервер недоступен дольше,
// чем живут повторы транспорта), складываются на диск и доотправляются
// при следующем успешном цикле синхронизации. Очередь переживает
// перезапуск агента.
package queue

import (
	"errors"
	"fmt"

	"github.com/beeker1121/goque"

	"github.com/iudanet/marketsync/pkg/api"
)

// ErrEmpty возвращается при чтении из пустой очереди
var ErrEmpty = errors.New("queue is empty")

// Queue представляет FIFO очередь изменений на диске
type Queue struct {
	q *goque.Queue
}

// Open открывает (или создает) очередь в каталоге dir
func Open(dir string) (*Queue, error) {
	q, err := goque.OpenQueue(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}
	return &Queue{q: q}, nil
}

// Close closes the queue
func (q *Queue) Close() error {
	return q.q.Close()
}

// Enqueue добавляет изменение в хвост очереди
func (q *Queue) Enqueue(change api.Change) error {
	if _, err := q.q.EnqueueObjectAsJSON(change); err != nil {
		return fmt.Errorf("failed to enqueue change: %w", err)
	}
	return nil
}

// PeekBatch возвращает до max изменений с головы очереди, не удаляя их.
// Удаление происходит отдельным Discard после подтверждения сервера:
// изменение покидает диск только когда оно гарантированно доставлено.
func (q *Queue) PeekBatch(max int) ([]api.Change, error) {
	length := q.q.Length()
	if length == 0 {
		return nil, nil
	}

	n := uint64(max)
	if length < n {
		n = length
	}

	changes := make([]api.Change, 0, n)
	for i := uint64(0); i < n; i++ {
		item, err := q.q.PeekByOffset(i)
		if err != nil {
			return nil, fmt.Errorf("failed to peek queue at offset %d: %w", i, err)
		}

		var change api.Change
		if err := item.ToObjectFromJSON(&change); err != nil {
			return nil, fmt.Errorf("failed to decode queued change: %w", err)
		}
		changes = append(changes, change)
	}

	return changes, nil
}

// Discard удаляет n изменений с головы очереди
func (q *Queue) Discard(n int) error {
	for i := 0; i < n; i++ {
		if _, err := q.q.Dequeue(); err != nil {
			if errors.Is(err, goque.ErrEmpty) {
				return ErrEmpty
			}
			return fmt.Errorf("failed to dequeue change: %w", err)
		}
	}
	return nil
}

// Length возвращает количество изменений в очереди
func (q *Queue) Length() uint64 {
	return q.q.Length()
}
