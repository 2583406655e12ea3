package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
}

func TestNewWatcher(t *testing.T) {
	watcher, err := NewWatcher("testdata/config.yml", slog.Default())
	require.NoError(t, err)
	defer func() { _ = watcher.Close() }()

	assert.NotNil(t, watcher.Config())
	assert.Equal(t, 5353, watcher.Config().Server.DNSPort)
}

func TestNewWatcherNonExistent(t *testing.T) {
	_, err := NewWatcher("nonexistent.yml", slog.Default())
	assert.Error(t, err)
}

func TestWatcherReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	writeConfig(t, path, "logging:\n  level: info\n")

	watcher, err := NewWatcher(path, slog.Default())
	require.NoError(t, err)

	type change struct{ old, updated *Config }
	changes := make(chan change, 1)
	watcher.OnChange(func(old, updated *Config) {
		changes <- change{old, updated}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watcher.Start(ctx) }()

	// Give the watcher a moment to enter its loop
	time.Sleep(50 * time.Millisecond)
	writeConfig(t, path, "logging:\n  level: debug\n")

	select {
	case c := <-changes:
		assert.Equal(t, "info", c.old.Logging.Level)
		assert.Equal(t, "debug", c.updated.Logging.Level)
		assert.Equal(t, "debug", watcher.Config().Logging.Level)
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for config change")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watcher did not stop")
	}
}

func TestWatcherKeepsLastGoodConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	writeConfig(t, path, "block_policy: refuse\n")

	watcher, err := NewWatcher(path, slog.Default())
	require.NoError(t, err)
	defer func() { _ = watcher.Close() }()

	writeConfig(t, path, "block_policy: drop\n")
	_, _, err = watcher.reload()
	assert.Error(t, err)
	assert.Equal(t, BlockPolicyRefuse, watcher.Config().BlockPolicy)
}
