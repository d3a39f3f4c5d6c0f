package hooks

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/strand/internal/observability"
)

// SettingsWatcher reloads the hook table when the settings file changes on
// disk. The parent directory is watched rather than the file itself because
// editors typically replace files by rename.
type SettingsWatcher struct {
	path           string
	dispatcher     *Dispatcher
	defaultTimeout time.Duration
	logger         *observability.Logger

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// WatchSettings loads path into the dispatcher and starts watching it for
// changes. Close the returned watcher to stop.
func WatchSettings(ctx context.Context, path string, d *Dispatcher, defaultTimeout time.Duration, logger *observability.Logger) (*SettingsWatcher, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}

	w := &SettingsWatcher{
		path:           path,
		dispatcher:     d,
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
	if err := w.reload(ctx); err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, err
	}
	w.watcher = fw

	wctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(wctx)
	return w, nil
}

// Close stops the watcher and waits for its goroutine.
func (w *SettingsWatcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	var err error
	if w.watcher != nil {
		err = w.watcher.Close()
	}
	w.wg.Wait()
	return err
}

func (w *SettingsWatcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			if err := w.reload(context.Background()); err != nil {
				w.logger.Warn(context.Background(), "hook settings reload failed",
					"path", w.path, "error", err)
			}
		})
	}

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn(ctx, "hook settings watcher error", "error", err)
		}
	}
}

func (w *SettingsWatcher) reload(ctx context.Context) error {
	settings, err := LoadSettings(w.path)
	if err != nil {
		return err
	}
	table, err := settings.Build(w.defaultTimeout)
	if err != nil {
		return err
	}
	w.dispatcher.Replace(table)

	total := 0
	for _, list := range table {
		total += len(list)
	}
	w.logger.Info(ctx, "hook settings loaded", "path", w.path, "hooks", total)
	return nil
}
