package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent reports that config.yaml changed and carries the freshly
// reloaded Config. cmd/oceand uses this to pick up a new log level or poke
// interval without a restart; DBPath, BindAddr, and InstanceID are
// fixed for the life of the process and ignored if changed mid-run.
type ReloadEvent struct {
	Config Config
	Err    error
}

// Watcher watches homeDir/config.yaml and, on every write or create,
// reloads it from that directory the same way Load does.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 4),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching in a background goroutine. It returns once the
// watch is established; the goroutine exits when ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	configPath := filepath.Join(w.homeDir, "config.yaml")
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Name != configPath {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := loadFrom(w.homeDir)
				if err != nil {
					w.logger.Error("config reload failed", "error", err)
					select {
					case w.events <- ReloadEvent{Err: err}:
					default:
					}
					continue
				}
				w.logger.Info("config reloaded", "path", ev.Name)
				select {
				case w.events <- ReloadEvent{Config: cfg}:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
