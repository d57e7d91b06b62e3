package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "uploadbot/pkg/logx"
)

const (
	watchDebounce   = 250 * time.Millisecond
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

// Watch reloads the config after the file settles, until ctx is done.
// Editors that replace the file are handled by watching its directory. A
// failing watcher is recreated with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	backoff := watchBackoffMin
	for ctx.Err() == nil {
		err := m.watchOnce(ctx, dir, func() { backoff = watchBackoffMin })
		if ctx.Err() != nil {
			break
		}
		wait := backoff + rand.N(backoff/2+1)
		backoff = min(2*backoff, watchBackoffMax)
		m.log.Warn("config watcher failed; retrying",
			logx.String("dir", dir), logx.Duration("backoff", wait), logx.Err(err))
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

// watchOnce runs one fsnotify watcher until it breaks or ctx ends. Reloads
// run on this goroutine, so they never overlap.
func (m *ConfigManager) watchOnce(ctx context.Context, dir string, started func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	started()
	m.log.Debug("config watcher started", logx.String("path", m.path))

	name := filepath.Base(m.path)
	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-settle.C:
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("fsnotify events closed")
			}
			if filepath.Base(ev.Name) == name && ev.Op != 0 {
				settle.Reset(watchDebounce)
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return errors.New("fsnotify errors closed")
			case errors.Is(err, fsnotify.ErrEventOverflow):
				m.log.Warn("config watch overflow; reloading", logx.Err(err))
				settle.Reset(watchDebounce)
			case errors.Is(err, fsnotify.ErrClosed):
				return err
			case err != nil:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}
