// Package watcher следит за каталогом локального магазина.
//
// Каталог лежит на диске как products/*.json и categories/*.json;
// watcher превращает события файловой системы в типизированные
// события изменений, которые агент отправляет в облако.
package watcher

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/iudanet/marketsync/internal/models"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new file was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file was deleted.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// FileEvent represents a file system event for a catalog entity file.
type FileEvent struct {
	// Path is the absolute path to the file that changed.
	Path string
	// Kind is the entity kind derived from the parent directory.
	Kind string
	// Op is the operation that occurred (create, modify, delete).
	Op EventOp
}

// FileWatcher watches product and category directories for changes.
// It uses fsnotify for cross-platform file system event monitoring.
type FileWatcher struct {
	watcher       *fsnotify.Watcher
	events        chan FileEvent
	errors        chan error
	done          chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	running       bool
	productsDir   string
	categoriesDir string
}

// NewFileWatcher creates a new FileWatcher instance.
// The watcher must be started with Start() before it will emit events.
func NewFileWatcher() (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher: watcher,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching the specified directories for changes.
// It monitors both directories for *.json file events.
func (fw *FileWatcher) Start(productsDir, categoriesDir string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}

	fw.productsDir = productsDir
	fw.categoriesDir = categoriesDir

	if err := fw.watcher.Add(productsDir); err != nil {
		return fmt.Errorf("failed to watch products directory %s: %w", productsDir, err)
	}

	if err := fw.watcher.Add(categoriesDir); err != nil {
		// Снимаем первую подписку, если вторая не удалась
		fw.watcher.Remove(productsDir)
		return fmt.Errorf("failed to watch categories directory %s: %w", categoriesDir, err)
	}

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()

	return nil
}

// Stop stops watching for file system events and cleans up resources.
// It blocks until the event processing goroutine has exited.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		return nil
	}
	fw.running = false
	fw.mu.Unlock()

	close(fw.done)

	// Закрытие fsnotify разблокирует event loop
	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	fw.wg.Wait()

	close(fw.events)
	close(fw.errors)

	return nil
}

// Events returns the channel that emits FileEvent notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Events() <-chan FileEvent {
	return fw.events
}

// Errors returns the channel that emits error notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

// IsRunning returns true if the watcher is currently running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

// processEvents is the main event loop that converts fsnotify events
// to FileEvent notifications.
func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			if fileEvent, ok := fw.convertEvent(event); ok {
				select {
				case fw.events <- fileEvent:
				case <-fw.done:
					return
				}
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}

			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

// convertEvent converts an fsnotify event to a FileEvent.
// Returns (FileEvent{}, false) if the event should be ignored.
func (fw *FileWatcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	// Каталог хранится только в .json файлах
	if !strings.HasSuffix(event.Name, ".json") {
		return FileEvent{}, false
	}

	// Редакторы пишут через временные файлы - отсекаем их
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return FileEvent{}, false
	}

	kind, ok := fw.determineKind(event.Name)
	if !ok {
		return FileEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove):
		op = OpDelete
	case event.Has(fsnotify.Rename):
		// Rename считаем удалением: новое имя придет отдельным Create
		op = OpDelete
	default:
		// Chmod и прочие события не интересны
		return FileEvent{}, false
	}

	return FileEvent{
		Path: event.Name,
		Kind: kind,
		Op:   op,
	}, true
}

// determineKind maps the file's parent directory to an entity kind.
func (fw *FileWatcher) determineKind(path string) (string, bool) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}

	dir := filepath.Dir(absPath)

	absProductsDir, _ := filepath.Abs(fw.productsDir)
	absCategoriesDir, _ := filepath.Abs(fw.categoriesDir)

	if dir == absProductsDir {
		return models.KindProduct, true
	}
	if dir == absCategoriesDir {
		return models.KindCategory, true
	}

	return "", false
}
