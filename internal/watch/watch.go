// Package watch turns filesystem changes in editor storage into rescan
// requests.
//
// Session files live two levels below each storage directory
// (workspaceStorage/<workspace>/chatSessions/<id>.json), and fsnotify does
// not recurse, so every directory down to that depth is watched and new
// directories are added as they appear. Events are batched per app and
// handed to the registry, whose throttle decides when a scan actually runs.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/chatremote/host/internal/model"
)

// maxDepth is how many directory levels below a storage directory are
// watched.
const maxDepth = 2

// DefaultBatchInterval is how long events are collected before rescans are
// requested.
const DefaultBatchInterval = 250 * time.Millisecond

// Rescanner receives rescan requests. Implemented by registry.Registry.
type Rescanner interface {
	RequestGlobalRescan(app model.AppTarget)
}

// DirSource lists the storage directories of an app. Implemented by
// sessionfile.FileScanner.
type DirSource interface {
	WatchDirs(app model.AppTarget) []string
}

// Options configures a Watcher.
type Options struct {
	Apps          []model.AppTarget
	Dirs          DirSource
	Rescanner     Rescanner
	BatchInterval time.Duration
	Logger        *zap.Logger
}

type watched struct {
	app   model.AppTarget
	depth int
}

// Watcher watches editor storage directories.
type Watcher struct {
	fs        *fsnotify.Watcher
	rescanner Rescanner
	interval  time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	dirs    map[string]watched
	pending map[model.AppTarget]bool
	running bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a watcher and registers every existing storage directory of
// opts.Apps. Directories that do not exist yet are skipped.
func New(opts Options) (*Watcher, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BatchInterval <= 0 {
		opts.BatchInterval = DefaultBatchInterval
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fs:        fsw,
		rescanner: opts.Rescanner,
		interval:  opts.BatchInterval,
		logger:    opts.Logger,
		dirs:      make(map[string]watched),
		pending:   make(map[model.AppTarget]bool),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	for _, app := range opts.Apps {
		for _, dir := range opts.Dirs.WatchDirs(app) {
			if _, err := os.Stat(dir); err != nil {
				w.logger.Debug("storage directory not present", zap.String("app", string(app)), zap.String("dir", dir))
				continue
			}
			w.addTree(app, dir, maxDepth)
		}
	}
	return w, nil
}

// WatchedDirs returns the number of directories being watched.
func (w *Watcher) WatchedDirs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirs)
}

// addTree watches dir and its subdirectories down to depth.
func (w *Watcher) addTree(app model.AppTarget, dir string, depth int) {
	w.mu.Lock()
	_, seen := w.dirs[dir]
	w.mu.Unlock()
	if seen {
		return
	}
	if err := w.fs.Add(dir); err != nil {
		w.logger.Warn("cannot watch directory", zap.String("dir", dir), zap.Error(err))
		return
	}
	w.mu.Lock()
	w.dirs[dir] = watched{app: app, depth: depth}
	w.mu.Unlock()

	if depth == 0 {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			w.addTree(app, filepath.Join(dir, e.Name()), depth-1)
		}
	}
}

// Start runs the event loop until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	go w.run(ctx)
}

// Stop ends the event loop and releases the fsnotify watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	running := w.running
	w.running = false
	w.mu.Unlock()

	if running {
		close(w.stopCh)
		<-w.doneCh
	}
	if err := w.fs.Close(); err != nil {
		w.logger.Debug("close watcher", zap.Error(err))
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		case <-ticker.C:
			w.flush()
		}
	}
}

// handleEvent marks the owning app dirty when a session file or directory
// changes, and starts watching directories created inside the tree.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	parent := filepath.Dir(event.Name)

	w.mu.Lock()
	owner, ok := w.dirs[parent]
	self, isWatchedDir := w.dirs[event.Name]
	w.mu.Unlock()

	switch {
	case isWatchedDir && event.Op.Has(fsnotify.Remove|fsnotify.Rename):
		w.mu.Lock()
		delete(w.dirs, event.Name)
		w.pending[self.app] = true
		w.mu.Unlock()
		return
	case !ok:
		return
	}

	if event.Op.Has(fsnotify.Create) && owner.depth > 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.addTree(owner.app, event.Name, owner.depth-1)
			w.markDirty(owner.app)
			return
		}
	}
	if isSessionFile(event.Name) {
		w.markDirty(owner.app)
	}
}

func isSessionFile(name string) bool {
	return strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".jsonl")
}

func (w *Watcher) markDirty(app model.AppTarget) {
	w.mu.Lock()
	w.pending[app] = true
	w.mu.Unlock()
}

// flush requests one rescan per dirty app.
func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	apps := make([]model.AppTarget, 0, len(w.pending))
	for app := range w.pending {
		apps = append(apps, app)
	}
	w.pending = make(map[model.AppTarget]bool)
	w.mu.Unlock()

	for _, app := range apps {
		w.logger.Debug("storage changed, requesting rescan", zap.String("app", string(app)))
		w.rescanner.RequestGlobalRescan(app)
	}
}
