package source

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// DropDir signals a change whenever a file lands in (or leaves) the upload
// staging directory. A separate ingester process consumes the directory;
// the dashboard only needs the edge so it can refresh before the ingester's
// database write would be noticed by polling.
type DropDir struct {
	dir    string
	logger *slog.Logger
}

// NewDropDir watches dir, which must already exist.
func NewDropDir(dir string, logger *slog.Logger) *DropDir {
	if logger == nil {
		logger = slog.Default()
	}
	return &DropDir{dir: dir, logger: logger}
}

func (d *DropDir) SubscribeChanges(notify func()) (func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("dropdir: %w", err)
	}
	if err := w.Add(d.dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("dropdir: watch %s: %w", d.dir, err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					notify()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				d.logger.Warn("dropdir: watch error", "dir", d.dir, "error", err)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { w.Close() })
	}, nil
}
