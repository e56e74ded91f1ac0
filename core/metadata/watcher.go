package metadata

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher keeps the index in step with out-of-band filesystem changes (NFS
// peers, shell access) by watching every directory under the volume root and
// refreshing the directory an event lands in.
type Watcher struct {
	svc    *Service
	rebind chan struct{}
}

func NewWatcher(svc *Service) *Watcher {
	return &Watcher{
		svc:    svc,
		rebind: make(chan struct{}, 1),
	}
}

// Rebind signals the watch loop to re-walk the current root, used after a
// change-directory swaps the root out from under it.
func (w *Watcher) Rebind() {
	select {
	case w.rebind <- struct{}{}:
	default:
	}
}

// Start runs the watch loop until ctx is canceled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := w.watchTree(fsw, w.svc.vol.Root()); err != nil {
		return err
	}

	log.Infow("watcher", "status", "started", "root", w.svc.vol.Root())

	for {
		select {
		case <-ctx.Done():
			log.Infow("watcher", "status", "stopped")
			return nil

		case <-w.rebind:
			if err := w.rewatch(fsw); err != nil {
				log.Errorw("watcher", "error", err)
			}

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, fsw, event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Errorw("watcher", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, fsw *fsnotify.Watcher, event fsnotify.Event) {
	root := w.svc.vol.Root()

	rel, err := filepath.Rel(root, filepath.Dir(event.Name))
	if err != nil {
		return
	}
	if rel == "." {
		rel = ""
	}

	if hidden(filepath.Base(event.Name)) || hidden(rel) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.watchTree(fsw, event.Name)
		}
	}

	w.svc.Invalidate(rel)
	if err := w.svc.Refresh(ctx, rel); err != nil {
		log.Errorw("watcher", "event", "refresh failed", "dir", rel, "error", err)
	}
}

func (w *Watcher) rewatch(fsw *fsnotify.Watcher) error {
	for _, watched := range fsw.WatchList() {
		_ = fsw.Remove(watched)
	}

	return w.watchTree(fsw, w.svc.vol.Root())
}

// hidden reports whether any path segment is a dotfile.
func hidden(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}

	return false
}

func (w *Watcher) watchTree(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && strings.HasPrefix(d.Name(), ".") {
			return fs.SkipDir
		}

		return fsw.Add(p)
	})
}
