package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ReloadHandler is called after a successful tunables reload.
type ReloadHandler func(Tunables)

// Manager watches the config file and hot-reloads the tunable subset
// (forgetting weights, rate limits). Structural fields such as ports and
// store URLs require a restart and are ignored on reload.
type Manager struct {
	path     string
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	current  Tunables
	handlers []ReloadHandler
	started  bool
}

// NewManager creates a manager for the given config file. An empty path
// yields a manager that only serves the initial snapshot.
func NewManager(path string, initial Tunables, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		path:    path,
		logger:  logger,
		current: initial,
		stopCh:  make(chan struct{}),
	}
	if path == "" {
		return m, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	m.watcher = watcher
	return m, nil
}

// Start begins watching. Safe to call on a file-less manager.
func (m *Manager) Start() error {
	if m.watcher == nil {
		return nil
	}
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	// Watch the directory: editors and config maps replace the file,
	// which drops a watch registered on the file itself.
	if err := m.watcher.Add(filepath.Dir(m.path)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}
	go m.watchLoop()
	m.logger.Info("Config hot-reload enabled", zap.String("path", m.path))
	return nil
}

// Stop ends watching.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.watcher != nil {
			_ = m.watcher.Close()
		}
	})
}

// Tunables returns the current snapshot.
func (m *Manager) Tunables() Tunables {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnReload registers a handler invoked after each successful reload.
func (m *Manager) OnReload(fn ReloadHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

func (m *Manager) watchLoop() {
	base := filepath.Base(m.path)
	for {
		select {
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			m.reload()
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) reload() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		m.logger.Warn("Config reload: read failed", zap.String("path", m.path), zap.Error(err))
		return
	}

	// Start from the current snapshot so a file that omits a section
	// keeps its running values.
	next := m.Tunables()
	var file struct {
		Forgetting ForgettingConfig `yaml:"forgetting"`
		RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	}
	file.Forgetting = next.Forgetting
	file.RateLimit = next.RateLimit
	if err := yaml.Unmarshal(data, &file); err != nil {
		m.logger.Warn("Config reload: parse failed", zap.String("path", m.path), zap.Error(err))
		return
	}
	if err := file.Forgetting.Validate(); err != nil {
		m.logger.Warn("Config reload: rejected", zap.Error(err))
		return
	}
	if file.RateLimit.RPS < 0 || file.RateLimit.Burst < 0 {
		m.logger.Warn("Config reload: rejected", zap.String("reason", "negative rate limit"))
		return
	}
	next.Forgetting = file.Forgetting
	next.RateLimit = file.RateLimit

	m.mu.Lock()
	m.current = next
	handlers := make([]ReloadHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	m.logger.Info("Config reloaded",
		zap.Float64("ttl_days", next.Forgetting.TTLDays),
		zap.Float64("alpha", next.Forgetting.Alpha),
		zap.Float64("beta", next.Forgetting.Beta),
		zap.Float64("gamma", next.Forgetting.Gamma),
		zap.Float64("threshold", next.Forgetting.Threshold),
		zap.Float64("rate_rps", next.RateLimit.RPS),
	)
	for _, fn := range handlers {
		fn(next)
	}
}
