package daemon

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/logfields"
)

// ConfigWatcher reloads the daemon configuration when its file changes
// on disk. The containing directory is watched, not the file itself;
// editors that write-and-rename would otherwise drop the watch.
type ConfigWatcher struct {
	configPath string
	onReload   func(path string)
	watcher    *fsnotify.Watcher
	logger     *slog.Logger

	stopChan   chan struct{}
	reloadChan chan struct{}
	debounce   time.Duration
}

// NewConfigWatcher builds a watcher that calls onReload with the config
// path after changes settle.
func NewConfigWatcher(configPath string, onReload func(path string), logger *slog.Logger) (*ConfigWatcher, error) {
	if onReload == nil {
		return nil, ferrors.ConfigError("config watcher requires a reload callback").Build()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, ferrors.ConfigError("create file watcher").WithCause(err).Build()
	}
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		watcher.Close()
		return nil, ferrors.ConfigError("resolve config path").WithCause(err).Build()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigWatcher{
		configPath: absPath,
		onReload:   onReload,
		watcher:    watcher,
		logger:     logger,
		stopChan:   make(chan struct{}),
		reloadChan: make(chan struct{}, 1),
		debounce:   2 * time.Second,
	}, nil
}

// Start begins watching. The two loops exit on Stop or context end.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	if err := cw.watcher.Add(filepath.Dir(cw.configPath)); err != nil {
		return ferrors.ConfigError("watch config directory").WithCause(err).Build()
	}
	cw.logger.Info("Watching configuration", slog.String("path", cw.configPath))
	go cw.watchLoop(ctx)
	go cw.reloadLoop(ctx)
	return nil
}

// Stop ends the watch.
func (cw *ConfigWatcher) Stop() {
	close(cw.stopChan)
	if err := cw.watcher.Close(); err != nil {
		cw.logger.Warn("File watcher close failed", logfields.Error(err))
	}
}

func (cw *ConfigWatcher) watchLoop(ctx context.Context) {
	configFile := filepath.Base(cw.configPath)
	for {
		select {
		case <-ctx.Done():
			return
		case <-cw.stopChan:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != configFile {
				continue
			}
			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				cw.logger.Debug("Config file changed", slog.String("file", event.Name))
				cw.trigger()
			case event.Op&fsnotify.Remove != 0:
				cw.logger.Warn("Config file removed", slog.String("file", event.Name))
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warn("File watcher error", logfields.Error(err))
		}
	}
}

// trigger coalesces bursts of events into one pending reload.
func (cw *ConfigWatcher) trigger() {
	select {
	case cw.reloadChan <- struct{}{}:
	default:
	}
}

// reloadLoop debounces pending reloads; editors often emit several
// writes for one save.
func (cw *ConfigWatcher) reloadLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-cw.stopChan:
			return
		case <-cw.reloadChan:
			timer := time.NewTimer(cw.debounce)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-cw.stopChan:
				timer.Stop()
				return
			case <-cw.reloadChan:
				// Another change arrived inside the window; restart it.
				timer.Stop()
				cw.trigger()
			case <-timer.C:
				cw.logger.Info("Reloading configuration", slog.String("path", cw.configPath))
				cw.onReload(cw.configPath)
			}
		}
	}
}
