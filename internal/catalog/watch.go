package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of file events into one Sync.
const DefaultDebounce = 250 * time.Millisecond

// Watch syncs once, then re-syncs whenever a definition file in the
// directory is created, written, removed or renamed. It blocks until ctx is
// done and returns nil then. onSync, when non-nil, is called after every
// sync, including failed ones.
func (l *Loader) Watch(ctx context.Context, debounce time.Duration, onSync func(Result, error)) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating definitions watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(l.dir); err != nil {
		return fmt.Errorf("watching %s: %w", l.dir, err)
	}

	sync := func() {
		res, err := l.Sync(ctx)
		if err != nil && ctx.Err() == nil {
			l.logger.Error("syncing pipeline catalog", "dir", l.dir, "error", err)
		}
		if onSync != nil {
			onSync(res, err)
		}
	}
	sync()

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isDefinitionFile(ev.Name) || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			l.logger.Debug("pipeline definition changed", "file", ev.Name, "op", ev.Op.String())
			timer.Reset(debounce)
		case <-timer.C:
			sync()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("definitions watch error", "dir", l.dir, "error", err)
		}
	}
}
