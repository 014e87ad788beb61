// Package watcher re-indexes source files as they change on disk, using fsnotify with a
// per-file debounce.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/zhuochun/simple-rag/internal/config"
	"github.com/zhuochun/simple-rag/internal/indexer"
)

const defaultDebounce = 500 * time.Millisecond

// Handler applies file changes to a source's index. *indexer.Indexer implements it.
type Handler interface {
	IndexFile(ctx context.Context, lp config.LogicalPath, file string) (indexer.Stats, error)
	RemoveFile(ctx context.Context, lp config.LogicalPath, file string) error
	RemoveDir(ctx context.Context, lp config.LogicalPath, dir string) error
}

// Watcher watches the directories of configured sources. Handler calls are serialized so
// each index sees one writer at a time.
type Watcher struct {
	paths    []config.LogicalPath
	handler  Handler
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timers  map[string]*time.Timer
	dirs    map[string]bool
	ctx     context.Context
	started bool

	callMu   sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets a logger for watch events and handler failures.
func WithLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithDebounce sets how long a file must stay quiet before it is re-indexed.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher creates a watcher over the directories of paths. Paths without a directory
// are ignored.
func NewWatcher(paths []config.LogicalPath, handler Handler, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		handler:  handler,
		debounce: defaultDebounce,
		logger:   zap.NewNop(),
		timers:   make(map[string]*time.Timer),
		dirs:     make(map[string]bool),
		done:     make(chan struct{}),
	}
	for _, lp := range paths {
		if lp.Dir != "" {
			lp.Dir = filepath.Clean(lp.Dir)
			w.paths = append(w.paths, lp)
		}
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching. Missing source directories are created. It runs until ctx is
// cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fw
	for _, lp := range w.paths {
		if err := os.MkdirAll(lp.Dir, 0755); err != nil {
			_ = fw.Close()
			return err
		}
		if err := w.addTreeLocked(lp.Dir); err != nil {
			_ = fw.Close()
			return err
		}
	}
	w.ctx = ctx
	w.started = true
	w.logger.Debug("watcher starting", zap.Int("paths", len(w.paths)), zap.Duration("debounce", w.debounce))
	go w.run(ctx, fw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", path))
	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			w.handleNewDirectory(path)
			return
		}
		w.schedule(path)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		if w.forgetDirectory(path) {
			w.removeDirectory(path)
			return
		}
		w.cancel(path)
		w.remove(path)
	}
}

// handleNewDirectory watches a directory that appeared under a source and schedules every
// file already inside it.
func (w *Watcher) handleNewDirectory(dir string) {
	if hidden(dir, w.owners(dir, true)) {
		return
	}
	w.mu.Lock()
	if w.watcher == nil {
		w.mu.Unlock()
		return
	}
	if err := w.addTreeLocked(dir); err != nil {
		w.logger.Debug("watcher failed to add directory", zap.String("path", dir), zap.Error(err))
	}
	w.mu.Unlock()

	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		w.schedule(path)
		return nil
	})
}

func (w *Watcher) addTreeLocked(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return err
		}
		w.dirs[path] = true
		return nil
	})
}

// forgetDirectory drops dir and everything below it from the watched set and cancels their
// pending re-indexes. It reports whether dir was a watched directory.
func (w *Watcher) forgetDirectory(dir string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.dirs[dir] {
		return false
	}
	prefix := dir + string(filepath.Separator)
	for d := range w.dirs {
		if d == dir || strings.HasPrefix(d, prefix) {
			delete(w.dirs, d)
		}
	}
	for path, t := range w.timers {
		if strings.HasPrefix(path, prefix) {
			t.Stop()
			delete(w.timers, path)
		}
	}
	return true
}

// owners returns the sources whose directory contains path. Unless dirOnly is set, the
// file extension must also be one the source indexes.
func (w *Watcher) owners(path string, dirOnly bool) []config.LogicalPath {
	var out []config.LogicalPath
	for _, lp := range w.paths {
		if !inDir(lp.Dir, path) {
			continue
		}
		if dirOnly || indexer.Indexable(path, lp.Extensions) {
			out = append(out, lp)
		}
	}
	return out
}

// hidden reports whether path sits below a dot-directory of every owning source.
func hidden(path string, owners []config.LogicalPath) bool {
	for _, lp := range owners {
		rel, err := filepath.Rel(lp.Dir, path)
		if err != nil {
			continue
		}
		isHidden := false
		for _, seg := range strings.Split(filepath.Dir(rel), string(filepath.Separator)) {
			if strings.HasPrefix(seg, ".") && seg != "." {
				isHidden = true
				break
			}
		}
		if !isHidden && !strings.HasPrefix(filepath.Base(rel), ".") {
			return false
		}
	}
	return true
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (w *Watcher) schedule(path string) {
	owners := w.owners(path, false)
	if len(owners) == 0 || hidden(path, owners) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		ctx := w.ctx
		w.mu.Unlock()
		w.index(ctx, path, owners)
	})
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
}

func (w *Watcher) index(ctx context.Context, path string, owners []config.LogicalPath) {
	w.callMu.Lock()
	defer w.callMu.Unlock()
	for _, lp := range owners {
		stats, err := w.handler.IndexFile(ctx, lp, path)
		if err != nil {
			w.logger.Warn("watcher failed to index file", zap.String("path", lp.Name), zap.String("file", path), zap.Error(err))
			continue
		}
		w.logger.Info("re-indexed file", zap.String("path", lp.Name), zap.String("file", path),
			zap.Int("chunks", stats.Chunks), zap.Int("embedded", stats.Embedded))
	}
}

func (w *Watcher) remove(path string) {
	owners := w.owners(path, false)
	if len(owners) == 0 {
		return
	}
	w.mu.Lock()
	ctx := w.ctx
	w.mu.Unlock()
	if ctx == nil {
		return
	}
	w.callMu.Lock()
	defer w.callMu.Unlock()
	for _, lp := range owners {
		if err := w.handler.RemoveFile(ctx, lp, path); err != nil {
			w.logger.Warn("watcher failed to remove file", zap.String("path", lp.Name), zap.String("file", path), zap.Error(err))
			continue
		}
		w.logger.Info("removed file", zap.String("path", lp.Name), zap.String("file", path))
	}
}

// removeDirectory drops the records of every file under a removed or renamed directory.
func (w *Watcher) removeDirectory(dir string) {
	owners := w.owners(dir, true)
	if len(owners) == 0 {
		return
	}
	w.mu.Lock()
	ctx := w.ctx
	w.mu.Unlock()
	if ctx == nil {
		return
	}
	w.callMu.Lock()
	defer w.callMu.Unlock()
	for _, lp := range owners {
		if err := w.handler.RemoveDir(ctx, lp, dir); err != nil {
			w.logger.Warn("watcher failed to remove directory", zap.String("path", lp.Name), zap.String("dir", dir), zap.Error(err))
			continue
		}
		w.logger.Info("removed directory", zap.String("path", lp.Name), zap.String("dir", dir))
	}
}

// Directories returns the watched source directories.
func (w *Watcher) Directories() []string {
	dirs := make([]string, 0, len(w.paths))
	for _, lp := range w.paths {
		dirs = append(dirs, lp.Dir)
	}
	return dirs
}

// Stop stops the watcher, cancels pending re-indexes and releases resources.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	_ = w.watcher.Close()
	w.watcher = nil
	clear(w.dirs)
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}
