package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/erhathaway/ocean-clog/internal/config"
)

func TestWatcher_DetectsConfigFileChange(t *testing.T) {
	homeDir := t.TempDir()
	configPath := filepath.Join(homeDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	write := func() {
		_ = os.WriteFile(configPath, []byte("log_level: debug\n"), 0o644)
	}
	write()

	for {
		select {
		case ev := <-w.Events():
			if ev.Err != nil {
				t.Fatalf("unexpected reload error: %v", ev.Err)
			}
			if ev.Config.LogLevel != "debug" {
				t.Fatalf("expected log_level=debug, got %q", ev.Config.LogLevel)
			}
			return
		case <-writeTick.C:
			write()
		case <-deadline:
			t.Fatalf("timed out waiting for config change event")
		}
	}
}
