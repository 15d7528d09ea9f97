package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Polly2014/CopilotX/pkg/config"
)

var watchDebounce = 200 * time.Millisecond

// Watch reloads the credential whenever its file changes, so a login or logout
// from another process reaches a running server. It blocks until ctx ends.
//
// The parent directory is watched rather than the file: the store replaces the
// file by rename, which would orphan a watch on the old inode.
func (m *Manager) Watch(ctx context.Context) error {
	path := m.store.Path()
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create credential watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	logger.Debug("watching credentials", "path", path)

	d := newDebouncer(watchDebounce)
	defer d.stop()
	name := filepath.Base(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("credential watcher closed")
			}
			if filepath.Base(ev.Name) != name || ev.Op == fsnotify.Chmod {
				continue
			}
			d.trigger(func() {
				if err := m.ReloadCredential(); err != nil && !errors.Is(err, config.ErrNoCredentials) {
					logger.Warn("reload credentials", "err", err)
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("credential watcher closed")
			}
			logger.Warn("credential watcher", "err", err)
		}
	}
}

// debouncer runs the last triggered callback once events stop for interval.
type debouncer struct {
	interval time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func newDebouncer(interval time.Duration) *debouncer {
	return &debouncer{interval: interval}
}

func (d *debouncer) trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, func() {
		d.mu.Lock()
		stopped := d.stopped
		d.mu.Unlock()
		if !stopped {
			fn()
		}
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
