package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"droughtwatch/pkg/logx"
)

const (
	watchRetryMin = 250 * time.Millisecond
	watchRetryMax = 5 * time.Second
)

// Watch reloads the config whenever its file changes, until ctx ends. The
// parent directory is watched so rename-on-save editors are noticed. A
// failed watcher is recreated with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	retry := watchRetryMin
	for {
		w, err := newDirWatcher(dir)
		if err != nil {
			m.logger().Warn("config watch init failed", logx.String("dir", dir), logx.Err(err))
		} else {
			retry = watchRetryMin
			m.logger().Debug("config watcher started", logx.String("path", m.path))
			m.watch(ctx, w, name)
			_ = w.Close()
		}
		if ctx.Err() != nil {
			return nil
		}
		wait := retry + rand.N(retry/2+1)
		retry = min(retry*2, watchRetryMax)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		m.logger().Warn("config watcher restarting", logx.String("dir", dir))
	}
}

func newDirWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// watch runs until ctx ends or the watcher breaks. Bursts of events are
// debounced into one reload.
func (m *ConfigManager) watch(ctx context.Context, w *fsnotify.Watcher, name string) {
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()
	arm := func() { debounce.Reset(m.debounce) }

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == name && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				arm()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.logger().Warn("config watch overflow; forcing reload")
				arm()
				continue
			}
			m.logger().Warn("config watch error", logx.Err(err))
		case <-debounce.C:
			published, err := m.Reload(ctx)
			switch {
			case err != nil:
				m.logger().Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
			case published:
				m.logger().Info("config file changed", logx.String("path", m.path))
			}
		}
	}
}
