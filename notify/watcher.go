package notify

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher turns filesystem changes under a root directory into
// resource-updated notifications for one session. Paths are reported as
// file:// URIs relative to the watched root.
type Watcher struct {
	root     string
	notifier *Notifier
	log      *slog.Logger
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the watcher's logger.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher constructs a Watcher for root. The root must be an existing
// directory at the time Run is called.
func NewWatcher(root string, notifier *Notifier, opts ...WatcherOption) *Watcher {
	w := &Watcher{root: root, notifier: notifier, log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Run watches the directory tree until ctx ends, emitting a resource-updated
// notification to sessionID for every observed file write. Directory
// create/remove events re-arm the watch on new subtrees. Errors establishing
// or maintaining the watch are logged and end the run; notification delivery
// failures are already silent by Notifier contract.
func (w *Watcher) Run(ctx context.Context, sessionID string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		_ = watcher.Close()
	}()

	addDirs := func() error {
		return filepath.WalkDir(w.root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if !d.IsDir() {
				return nil
			}
			return watcher.Add(p)
		})
	}
	if err := addDirs(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = watcher.Add(ev.Name)
					continue
				}
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				if uri, ok := w.uriFor(ev.Name); ok {
					w.notifier.ResourceUpdated(ctx, sessionID, uri)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.WarnContext(ctx, "watch.fail", slog.String("err", err.Error()))
		}
	}
}

func (w *Watcher) uriFor(name string) (string, bool) {
	abs, err := filepath.Abs(name)
	if err != nil {
		return "", false
	}
	rootAbs, err := filepath.Abs(w.root)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(rootAbs, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return "file:///" + filepath.ToSlash(rel), true
}
