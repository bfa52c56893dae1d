package registry

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ternarybob/arbor"
)

// watcher triggers registry reloads on filesystem events. Bursts of events
// (editors write several times per save) are coalesced by a debounce window.
type watcher struct {
	fs       *fsnotify.Watcher
	registry *Registry
	debounce time.Duration
	logger   arbor.ILogger
	done     chan struct{}
}

func newWatcher(registry *Registry, dirs []string, debounceMs int, logger arbor.ILogger) (*watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	for _, dir := range dirs {
		if err := fs.Add(dir); err != nil {
			// Missing directories are tolerated; they may appear later runs.
			if logger != nil {
				logger.Warn().Err(err).Str("dir", dir).Msg("Cannot watch handler directory")
			}
		}
	}

	debounce := time.Duration(debounceMs) * time.Millisecond
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}

	w := &watcher{
		fs:       fs,
		registry: registry,
		debounce: debounce,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *watcher) loop() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// Restart the debounce window on every burst member.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			if err := w.registry.Reload(); err != nil && w.logger != nil {
				w.logger.Warn().Err(err).Msg("Handler registry reload failed")
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn().Err(err).Msg("Handler directory watch error")
			}

		case <-w.done:
			return
		}
	}
}

func (w *watcher) close() error {
	close(w.done)
	return w.fs.Close()
}
