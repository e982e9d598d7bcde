package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler receives the new snapshot after a successful reload.
type ChangeHandler func(Settings)

// ConfigManager watches the config directory and swaps the Settings snapshot
// when research.yaml or sources.yaml change. Runs already in flight keep the
// snapshot they started with. A reload that fails validation leaves the
// previous snapshot in place.
type ConfigManager struct {
	configDir      string
	watcher        *fsnotify.Watcher
	logger         *zap.Logger
	debounce       time.Duration
	mu             sync.RWMutex
	current        Settings
	handlers       []ChangeHandler
	policyHandlers []func() error
	started        bool
	stopCh         chan struct{}
}

// NewConfigManager loads the initial snapshot from configDir.
func NewConfigManager(configDir string, logger *zap.Logger) (*ConfigManager, error) {
	if configDir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	settings, err := LoadSettings(configDir)
	if err != nil {
		return nil, fmt.Errorf("initial config load: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &ConfigManager{
		configDir: configDir,
		watcher:   watcher,
		logger:    logger,
		debounce:  50 * time.Millisecond,
		current:   settings,
		stopCh:    make(chan struct{}),
	}, nil
}

// Current returns the active snapshot.
func (cm *ConfigManager) Current() Settings {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.current
}

// OnChange registers a handler called after every successful reload.
func (cm *ConfigManager) OnChange(h ChangeHandler) {
	cm.mu.Lock()
	cm.handlers = append(cm.handlers, h)
	cm.mu.Unlock()
}

// OnPolicyChange registers a handler called when a .rego file changes.
func (cm *ConfigManager) OnPolicyChange(h func() error) {
	cm.mu.Lock()
	cm.policyHandlers = append(cm.policyHandlers, h)
	cm.mu.Unlock()
}

// Start begins watching for configuration changes until ctx ends or Stop is called.
func (cm *ConfigManager) Start(ctx context.Context) error {
	cm.mu.Lock()
	if cm.started {
		cm.mu.Unlock()
		return nil
	}
	cm.started = true
	cm.mu.Unlock()

	if err := cm.watcher.Add(cm.configDir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	policyDir := filepath.Join(cm.configDir, "policies")
	if info, err := os.Stat(policyDir); err == nil && info.IsDir() {
		if err := cm.watcher.Add(policyDir); err != nil {
			cm.logger.Warn("Failed to watch policy directory", zap.String("dir", policyDir), zap.Error(err))
		}
	}
	go cm.watchLoop(ctx)

	cm.logger.Info("Configuration manager started", zap.String("config_dir", cm.configDir))
	return nil
}

// Stop stops watching for configuration changes
func (cm *ConfigManager) Stop() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if !cm.started {
		return nil
	}
	close(cm.stopCh)
	cm.started = false
	return cm.watcher.Close()
}

// Reload re-reads both files and publishes the new snapshot.
func (cm *ConfigManager) Reload() error {
	settings, err := LoadSettings(cm.configDir)
	if err != nil {
		cm.logger.Error("Configuration reload rejected; keeping previous settings", zap.Error(err))
		return err
	}

	cm.mu.Lock()
	cm.current = settings
	handlers := append([]ChangeHandler(nil), cm.handlers...)
	cm.mu.Unlock()

	for _, h := range handlers {
		h(settings)
	}
	cm.logger.Info("Configuration reloaded",
		zap.Bool("saturation_mode", settings.Research.SaturationMode),
		zap.Bool("coverage_mode", settings.Research.CoverageMode),
		zap.Int("sources", len(settings.Sources.Sources)),
	)
	return nil
}

func (cm *ConfigManager) watchLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			cm.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cm.stopCh:
			return
		case event, ok := <-cm.watcher.Events:
			if !ok {
				return
			}
			cm.handleWatchEvent(event)
		case err, ok := <-cm.watcher.Errors:
			if !ok {
				return
			}
			cm.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (cm *ConfigManager) handleWatchEvent(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	switch filepath.Ext(event.Name) {
	case ".yaml", ".yml":
		// Editors often write in several steps
		time.Sleep(cm.debounce)
		_ = cm.Reload()
	case ".rego":
		cm.reloadPolicies(filepath.Base(event.Name), event.Op.String())
	}
}

func (cm *ConfigManager) reloadPolicies(filename, action string) {
	cm.mu.RLock()
	handlers := append([]func() error(nil), cm.policyHandlers...)
	cm.mu.RUnlock()

	cm.logger.Info("Policy file changed, triggering reload",
		zap.String("file", filename),
		zap.String("action", action),
		zap.Int("handlers", len(handlers)),
	)
	for _, h := range handlers {
		if err := h(); err != nil {
			cm.logger.Error("Policy reload handler failed", zap.String("file", filename), zap.Error(err))
		}
	}
}
