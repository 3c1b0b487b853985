package sync

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/marketsync/internal/agent/storage/boltdb"
	"github.com/iudanet/marketsync/internal/agent/watcher"
	"github.com/iudanet/marketsync/internal/checksum"
	"github.com/iudanet/marketsync/internal/models"
	"github.com/iudanet/marketsync/pkg/api"
)

// setupTestLogger creates a logger for testing
func setupTestLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelError, // Only show errors in tests
	}
	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler)
}

// mockTransport подставной транспорт с настраиваемыми ответами
type mockTransport struct {
	pushResponses []*api.PushResponse
	pushErr       error
	pullPages     []*api.PullResponse
	pullErr       error

	pushedBatches []api.ChangeBatch
	pullCalls     []int64
}

func (m *mockTransport) Push(ctx context.Context, batch api.ChangeBatch) (*api.PushResponse, error) {
	if m.pushErr != nil {
		return nil, m.pushErr
	}
	m.pushedBatches = append(m.pushedBatches, batch)
	if len(m.pushResponses) > 0 {
		resp := m.pushResponses[0]
		m.pushResponses = m.pushResponses[1:]
		return resp, nil
	}
	return &api.PushResponse{AppliedCount: len(batch.Changes)}, nil
}

func (m *mockTransport) Pull(ctx context.Context, sinceRev int64, limit int) (*api.PullResponse, error) {
	if m.pullErr != nil {
		return nil, m.pullErr
	}
	m.pullCalls = append(m.pullCalls, sinceRev)
	if len(m.pullPages) > 0 {
		page := m.pullPages[0]
		m.pullPages = m.pullPages[1:]
		return page, nil
	}
	return &api.PullResponse{Changes: []api.Change{}}, nil
}

// memQueue простая in-memory реализация RetryQueue для тестов
type memQueue struct {
	changes []api.Change
}

func (q *memQueue) Enqueue(change api.Change) error {
	q.changes = append(q.changes, change)
	return nil
}

func (q *memQueue) PeekBatch(max int) ([]api.Change, error) {
	n := max
	if len(q.changes) < n {
		n = len(q.changes)
	}
	out := make([]api.Change, n)
	copy(out, q.changes[:n])
	return out, nil
}

func (q *memQueue) Discard(n int) error {
	q.changes = q.changes[n:]
	return nil
}

func (q *memQueue) Length() uint64 {
	return uint64(len(q.changes))
}

func setupService(t *testing.T, transport *mockTransport) (*Service, *boltdb.Storage, *memQueue) {
	t.Helper()

	st, err := boltdb.New(context.Background(), filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, st.Close())
	})

	q := &memQueue{}
	svc := NewService(st, transport, q, "agent-1", setupTestLogger())
	return svc, st, q
}

// writeLocalProduct кладет локально измененный товар в хранилище агента
func writeLocalProduct(t *testing.T, svc *Service, st *boltdb.Storage, dir, id, name string) {
	t.Helper()

	product := &models.Product{
		SyncMeta: models.SyncMeta{ID: id},
		Name:     name,
		SKU:      "SKU-" + id,
		Price:    1500,
		Currency: "USD",
	}
	data, err := json.Marshal(product)
	require.NoError(t, err)

	path := filepath.Join(dir, id+".json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	require.NoError(t, svc.ApplyFileEvent(context.Background(), watcher.FileEvent{
		Path: path,
		Kind: models.KindProduct,
		Op:   watcher.OpCreate,
	}))
}

func cloudProductChange(t *testing.T, id string, rev int64, name string) api.Change {
	t.Helper()

	product := &models.Product{
		SyncMeta: models.SyncMeta{
			ID:        id,
			Rev:       rev,
			UpdatedBy: models.OriginCloud,
			UpdatedAt: time.Now().UTC(),
		},
		Name:     name,
		SKU:      "SKU-" + id,
		Price:    2000,
		Currency: "USD",
	}
	require.NoError(t, checksum.Stamp(product))

	data, err := json.Marshal(product)
	require.NoError(t, err)
	return api.Change{Entity: models.KindProduct, Op: api.OpUpsert, Data: data}
}

func TestApplyFileEvent_CreatesLocalRecord(t *testing.T) {
	svc, st, _ := setupService(t, &mockTransport{})
	dir := t.TempDir()

	writeLocalProduct(t, svc, st, dir, "p1", "Widget")

	rec, err := st.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Rev)
	assert.Equal(t, models.OriginLocal, rec.UpdatedBy)
	assert.NotEmpty(t, rec.Checksum)
	assert.False(t, rec.UpdatedAt.IsZero())
}

func TestApplyFileEvent_NoOpWriteSkipped(t *testing.T) {
	svc, st, _ := setupService(t, &mockTransport{})
	dir := t.TempDir()

	writeLocalProduct(t, svc, st, dir, "p1", "Widget")

	// Та же запись файла без изменения содержимого
	require.NoError(t, svc.ApplyFileEvent(context.Background(), watcher.FileEvent{
		Path: filepath.Join(dir, "p1.json"),
		Kind: models.KindProduct,
		Op:   watcher.OpModify,
	}))

	rec, err := st.Get(context.Background(), "p1")
	require.NoError(t, err)
	// Ревизия не выросла
	assert.Equal(t, int64(1), rec.Rev)
}

func TestApplyFileEvent_ModifyBumpsRev(t *testing.T) {
	svc, st, _ := setupService(t, &mockTransport{})
	dir := t.TempDir()

	writeLocalProduct(t, svc, st, dir, "p1", "Widget")
	writeLocalProduct(t, svc, st, dir, "p1", "Widget v2")

	rec, err := st.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Rev)

	entity, err := rec.Entity()
	require.NoError(t, err)
	assert.Equal(t, "Widget v2", entity.(*models.Product).Name)
}

func TestApplyFileEvent_DeleteCreatesTombstone(t *testing.T) {
	svc, st, _ := setupService(t, &mockTransport{})
	dir := t.TempDir()

	writeLocalProduct(t, svc, st, dir, "p1", "Widget")

	require.NoError(t, svc.ApplyFileEvent(context.Background(), watcher.FileEvent{
		Path: filepath.Join(dir, "p1.json"),
		Kind: models.KindProduct,
		Op:   watcher.OpDelete,
	}))

	rec, err := st.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, rec.Deleted())
	assert.Equal(t, int64(2), rec.Rev)
	assert.Equal(t, models.OriginLocal, rec.UpdatedBy)

	// Checksum пересчитан по tombstone, а не унаследован от живой версии
	ok, err := checksum.Verify(rec)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestApplyFileEvent_DeleteUnknownIsNoOp(t *testing.T) {
	svc, _, _ := setupService(t, &mockTransport{})

	err := svc.ApplyFileEvent(context.Background(), watcher.FileEvent{
		Path: filepath.Join(t.TempDir(), "ghost.json"),
		Kind: models.KindProduct,
		Op:   watcher.OpDelete,
	})
	assert.NoError(t, err)
}

// Файл, пойманный посреди записи, не теряется: событие возвращается
// в pending и добирается на следующем debounce-тике.
func TestFlushPending_RetriesUnreadableFile(t *testing.T) {
	svc, st, _ := setupService(t, &mockTransport{})
	dir := t.TempDir()
	path := filepath.Join(dir, "p1.json")

	// Половина JSON: экспортер еще не дописал файл
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"p1","name":`), 0o644))

	pending := map[string]pendingEvent{
		path: {
			event:    watcher.FileEvent{Path: path, Kind: models.KindProduct, Op: watcher.OpCreate},
			queuedAt: time.Now().Add(-time.Second),
		},
	}

	applied := svc.flushPending(context.Background(), pending)
	assert.False(t, applied)

	// Событие осталось в pending с зачтенной попыткой
	p, ok := pending[path]
	require.True(t, ok)
	assert.Equal(t, 1, p.attempts)

	// Файл дописан: повторный тик применяет изменение
	product := &models.Product{
		SyncMeta: models.SyncMeta{ID: "p1"},
		Name:     "Widget",
		SKU:      "SKU-p1",
		Price:    1500,
		Currency: "USD",
	}
	data, err := json.Marshal(product)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	p.queuedAt = time.Now().Add(-time.Second)
	pending[path] = p

	applied = svc.flushPending(context.Background(), pending)
	assert.True(t, applied)
	assert.Empty(t, pending)

	rec, err := st.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Rev)
}

func TestFlushPending_GivesUpAfterMaxAttempts(t *testing.T) {
	svc, _, _ := setupService(t, &mockTransport{})
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.json")

	require.NoError(t, os.WriteFile(path, []byte("not json at all"), 0o644))

	pending := map[string]pendingEvent{
		path: {
			event:    watcher.FileEvent{Path: path, Kind: models.KindProduct, Op: watcher.OpCreate},
			queuedAt: time.Now().Add(-time.Second),
			attempts: maxApplyAttempts - 1,
		},
	}

	applied := svc.flushPending(context.Background(), pending)
	assert.False(t, applied)
	assert.Empty(t, pending)
}

func TestSync_PushesLocalChanges(t *testing.T) {
	transport := &mockTransport{}
	svc, st, _ := setupService(t, transport)
	dir := t.TempDir()

	writeLocalProduct(t, svc, st, dir, "p1", "Widget")
	writeLocalProduct(t, svc, st, dir, "p2", "Gadget")

	require.NoError(t, svc.Sync(context.Background()))

	require.Len(t, transport.pushedBatches, 1)
	batch := transport.pushedBatches[0]
	assert.Equal(t, "agent-1", batch.ClientID)
	assert.Len(t, batch.Changes, 2)

	// Повторный цикл без новых изменений ничего не шлет
	require.NoError(t, svc.Sync(context.Background()))
	assert.Len(t, transport.pushedBatches, 1)
}

func TestSync_CloudOriginNotEchoed(t *testing.T) {
	transport := &mockTransport{
		pullPages: []*api.PullResponse{
			{Changes: []api.Change{cloudProductChange(t, "c1", 10, "From cloud")}, LatestRev: 10},
			{Changes: []api.Change{}, LatestRev: 10},
		},
	}
	svc, st, _ := setupService(t, transport)

	// Первый цикл забирает облачное изменение
	require.NoError(t, svc.Sync(context.Background()))

	rec, err := st.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, models.OriginCloud, rec.UpdatedBy)

	// Второй цикл: облачная запись не отправляется обратно
	require.NoError(t, svc.Sync(context.Background()))
	assert.Empty(t, transport.pushedBatches)
}

func TestSync_PullAdvancesCursor(t *testing.T) {
	transport := &mockTransport{
		pullPages: []*api.PullResponse{
			{
				Changes: []api.Change{
					cloudProductChange(t, "c1", 3, "One"),
					cloudProductChange(t, "c2", 4, "Two"),
				},
				HasMore:   true,
				LatestRev: 6,
			},
			{
				Changes:   []api.Change{cloudProductChange(t, "c3", 6, "Three")},
				LatestRev: 6,
			},
		},
	}
	svc, st, _ := setupService(t, transport)

	require.NoError(t, svc.Sync(context.Background()))

	// Пагинация: вторая страница запрошена с курсора первой
	require.Len(t, transport.pullCalls, 2)
	assert.Equal(t, int64(0), transport.pullCalls[0])
	assert.Equal(t, int64(4), transport.pullCalls[1])

	cursor, err := st.GetLastSyncRev(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(6), cursor)

	// Все три записи применены
	count, err := st.Count(context.Background(), models.KindProduct)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestSync_ServerDownDefersChanges(t *testing.T) {
	transport := &mockTransport{pushErr: assert.AnError}
	svc, st, q := setupService(t, transport)
	dir := t.TempDir()

	writeLocalProduct(t, svc, st, dir, "p1", "Widget")

	err := svc.Sync(context.Background())
	require.Error(t, err)

	// Изменение легло в durable очередь
	assert.Equal(t, uint64(1), q.Length())

	// Сервер ожил: очередь доотправляется, push не дублируется
	transport.pushErr = nil
	require.NoError(t, svc.Sync(context.Background()))

	assert.Equal(t, uint64(0), q.Length())
	require.Len(t, transport.pushedBatches, 1)
	assert.Len(t, transport.pushedBatches[0].Changes, 1)
}

func TestStatus(t *testing.T) {
	transport := &mockTransport{}
	svc, st, q := setupService(t, transport)
	dir := t.TempDir()

	writeLocalProduct(t, svc, st, dir, "p1", "Widget")
	require.NoError(t, q.Enqueue(api.Change{Entity: models.KindProduct, Op: api.OpUpsert, Data: json.RawMessage(`{"id":"x"}`)}))

	status, err := svc.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.LocalRev)
	assert.Equal(t, 1, status.Products)
	assert.Equal(t, 0, status.Categories)
	assert.Equal(t, uint64(1), status.Deferred)
}
