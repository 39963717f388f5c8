package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Manager publishes an immutable configuration snapshot. Readers call
// Current and may hold the returned *Config indefinitely; Reload swaps
// the pointer atomically and never mutates a published snapshot.
type Manager struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Config]

	// OnReload, when set, is invoked with each successfully published
	// snapshot. Called from the watcher goroutine.
	OnReload func(*Config)
}

// NewManager loads the file at path and returns a manager holding the
// initial snapshot. Validation warnings are logged, not fatal.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{path: path, logger: logger}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Current returns the live snapshot.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// Reload re-reads the config file and publishes a new snapshot. On
// error the previous snapshot stays live.
func (m *Manager) Reload() error {
	cfg, warnings, err := LoadFile(m.path)
	for _, w := range warnings {
		m.logger.Warn("config: " + w)
	}
	if err != nil {
		return fmt.Errorf("reload %s: %w", m.path, err)
	}
	m.current.Store(cfg)
	if m.OnReload != nil {
		m.OnReload(cfg)
	}
	return nil
}

// Watch reloads the snapshot whenever the config file changes on disk.
// Events are debounced because editors fire several per save. Blocks
// until ctx is cancelled; run it in a goroutine.
func (m *Manager) Watch(ctx context.Context, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: save-via-rename replaces the
	// inode and a file watch would silently die.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		return fmt.Errorf("config watch %s: %w", m.path, err)
	}

	m.logger.Info("config watcher started", "path", m.path)

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("config watcher stopped")
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(m.path) {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("config watcher error", "error", err)
		case <-fire:
			if err := m.Reload(); err != nil {
				m.logger.Error("config reload failed, keeping previous snapshot", "error", err)
				continue
			}
			m.logger.Info("config reloaded", "path", m.path)
		}
	}
}
