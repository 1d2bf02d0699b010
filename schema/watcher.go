package schema

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// eventChannelBuffer is the size of the watch event channel.
	eventChannelBuffer = 100

	// defaultDebounce is how long to wait for more changes before
	// emitting events.
	defaultDebounce = 500 * time.Millisecond
)

// WatchEvent signals that a schema file changed on disk. Components use it
// to re-upload edited schemas while running.
type WatchEvent struct {
	// Path is the file path relative to the schema root.
	Path string

	// AbsPath is the absolute file path.
	AbsPath string
}

// Watcher watches a component schema directory and emits debounced change
// events for schema files.
type Watcher struct {
	root     string
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration

	// Debouncing: collect changes before emitting
	pendingMu sync.Mutex
	pending   map[string]struct{}

	// Hash-based change detection
	hashMu sync.RWMutex
	hashes map[string]string

	events chan WatchEvent

	droppedEvents atomic.Int64
}

// NewWatcher creates a watcher for the schema directory at root.
func NewWatcher(root string, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		root:     root,
		watcher:  fsw,
		logger:   logger,
		debounce: defaultDebounce,
		pending:  make(map[string]struct{}),
		hashes:   make(map[string]string),
		events:   make(chan WatchEvent, eventChannelBuffer),
	}, nil
}

// Events returns the channel of schema change events.
func (w *Watcher) Events() <-chan WatchEvent {
	return w.events
}

// Start begins watching the schema root and its type subdirectories.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.root); err != nil {
		return err
	}
	for _, subdir := range []string{"endpoints", "resources", "claims"} {
		dir := filepath.Join(w.root, subdir)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			if err := w.watcher.Add(dir); err != nil {
				w.logger.Warn("Failed to watch schema directory",
					"path", dir,
					"error", err)
			}
		}
	}

	go w.processEvents(ctx)

	w.logger.Info("Schema watcher started",
		"root", w.root,
		"debounce", w.debounce)
	return nil
}

// Stop stops the watcher. The events channel is closed by the processing
// goroutine when it exits.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// DroppedEvents returns the number of events dropped due to channel overflow.
func (w *Watcher) DroppedEvents() int64 {
	return w.droppedEvents.Load()
}

// processEvents handles fsnotify events with debouncing.
func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.events)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Schema watcher error", "error", err)

		case <-ticker.C:
			w.flushPending(ctx)
		}
	}
}

func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	path := event.Name

	// New type subdirectories get their own watch.
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				w.logger.Warn("Failed to watch new schema directory",
					"path", path,
					"error", err)
			}
			return
		}
	}

	if !strings.HasSuffix(path, ".json") {
		return
	}

	w.pendingMu.Lock()
	w.pending[path] = struct{}{}
	w.pendingMu.Unlock()
}

// flushPending emits events for accumulated changes whose content hash
// actually changed.
func (w *Watcher) flushPending(ctx context.Context) {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}
	toProcess := make([]string, 0, len(w.pending))
	for path := range w.pending {
		toProcess = append(toProcess, path)
	}
	w.pending = make(map[string]struct{})
	w.pendingMu.Unlock()

	for _, path := range toProcess {
		select {
		case <-ctx.Done():
			return
		default:
		}

		relPath, _ := filepath.Rel(w.root, path)

		content, err := os.ReadFile(path)
		if err != nil {
			// Deleted files need no re-upload, only a stale hash cleanup.
			w.hashMu.Lock()
			delete(w.hashes, relPath)
			w.hashMu.Unlock()
			continue
		}

		newHash := contentHash(content)
		w.hashMu.RLock()
		oldHash, hadHash := w.hashes[relPath]
		w.hashMu.RUnlock()
		if hadHash && oldHash == newHash {
			continue
		}

		w.hashMu.Lock()
		w.hashes[relPath] = newHash
		w.hashMu.Unlock()

		w.sendEvent(WatchEvent{Path: relPath, AbsPath: path})
	}
}

func (w *Watcher) sendEvent(event WatchEvent) {
	select {
	case w.events <- event:
		w.logger.Debug("Schema change detected", "path", event.Path)
	default:
		dropped := w.droppedEvents.Add(1)
		w.logger.Warn("Schema event channel full, dropping event",
			"path", event.Path,
			"total_dropped", dropped)
	}
}

func contentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
