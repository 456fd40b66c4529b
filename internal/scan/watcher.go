package scan

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher rescans containers when their directory structure changes.
// Events are coalesced per container over the debounce window and the
// rescan is told which paths were touched.
type Watcher struct {
	set      *Set
	fsw      *fsnotify.Watcher
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[ContainerID]map[string]struct{}
	timer   *time.Timer

	started     atomic.Bool
	unsubscribe func()
}

func NewWatcher(set *Set, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	if set == nil {
		return nil, fmt.Errorf("container set is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	w := &Watcher{
		set:      set,
		fsw:      fsw,
		debounce: debounce,
		logger:   logger.Named("watch"),
		pending:  make(map[ContainerID]map[string]struct{}),
	}

	for _, c := range set.Containers() {
		if err := w.addTree(c.Root()); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	w.unsubscribe = set.Subscribe(w.onSetEvent)
	return w, nil
}

func (w *Watcher) onSetEvent(ev Event) {
	switch ev.Kind {
	case ContainerAdded:
		c, ok := w.set.Container(ev.ContainerID)
		if !ok {
			return
		}
		if err := w.addTree(c.Root()); err != nil {
			w.logger.Error("watching container", zap.String("root", c.Root()), zap.Error(err))
		}
	case ContainerRemoved, ContainerReleased:
		w.mu.Lock()
		delete(w.pending, ev.ContainerID)
		w.mu.Unlock()
		w.pruneWatches()
	}
}

// addTree watches root and every directory below it except ignored ones and
// the interiors of control directories.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return filepath.SkipDir
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && w.skipDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("adding directory to watcher: %w", err)
		}
		return nil
	})
}

func (w *Watcher) skipDir(name string) bool {
	return slices.Contains(w.set.opts.Ignore, name) || slices.Contains(w.set.opts.ControlDirNames, name)
}

// pruneWatches drops watches no longer under any container.
func (w *Watcher) pruneWatches() {
	for _, p := range w.fsw.WatchList() {
		if _, ok := w.set.ForPath(p); !ok {
			_ = w.fsw.Remove(p)
		}
	}
}

// Run processes filesystem events until ctx is cancelled. It must be called
// once; the watcher is closed when Run returns.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return fmt.Errorf("watcher already running")
	}
	defer w.close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleFSEvent(ctx, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleFSEvent(ctx context.Context, event fsnotify.Event) {
	c, ok := w.set.ForPath(event.Name)
	if !ok {
		return
	}

	rel, err := filepath.Rel(c.Root(), event.Name)
	if err != nil {
		return
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if slices.Contains(w.set.opts.Ignore, part) {
			return
		}
	}

	structural := c.ShouldForceScan(filepath.Base(event.Name)) ||
		event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			structural = true
			if !w.skipDir(info.Name()) {
				if err := w.addTree(event.Name); err != nil {
					w.logger.Warn("watching new directory", zap.String("path", event.Name), zap.Error(err))
				}
			}
		}
	}
	if !structural {
		return
	}

	w.schedule(ctx, c.ID(), event.Name)
}

func (w *Watcher) schedule(ctx context.Context, id ContainerID, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	touched, ok := w.pending[id]
	if !ok {
		touched = make(map[string]struct{})
		w.pending[id] = touched
	}
	touched[path] = struct{}{}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.flush(ctx) })
}

func (w *Watcher) flush(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[ContainerID]map[string]struct{})
	w.mu.Unlock()

	ids := make([]ContainerID, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		touched := make([]string, 0, len(pending[id]))
		for p := range pending[id] {
			touched = append(touched, p)
		}
		slices.Sort(touched)

		changes, err := w.set.Rescan(id, touched...)
		if err != nil {
			w.logger.Warn("rescan failed", zap.Uint64("container", uint64(id)), zap.Error(err))
			continue
		}
		w.logger.Debug("rescanned",
			zap.Uint64("container", uint64(id)),
			zap.Int("touched", len(touched)),
			zap.Int("changes", len(changes)))
	}
}

func (w *Watcher) close() {
	w.unsubscribe()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	if err := w.fsw.Close(); err != nil {
		w.logger.Warn("closing watcher", zap.Error(err))
	}
}
