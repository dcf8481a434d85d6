package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, username string) {
	t.Helper()
	data := "account:\n  username: " + username + "\n  password: p\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
}

func TestWatcher_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "first")

	changes := make(chan *Config, 10)
	w, err := NewWatcher(path, func(c *Config) { changes <- c }, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	w.SetDebounceDelay(20 * time.Millisecond)
	w.Start()
	defer w.Close()

	writeConfig(t, path, "second")

	select {
	case cfg := <-changes:
		if cfg.Account.Username != "second" {
			t.Errorf("reloaded username = %q, want second", cfg.Account.Username)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after config change")
	}
}

func TestWatcher_IgnoresInvalidAndOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, "first")

	changes := make(chan *Config, 10)
	w, err := NewWatcher(path, func(c *Config) { changes <- c }, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	w.SetDebounceDelay(20 * time.Millisecond)
	w.Start()
	defer w.Close()

	if err := os.WriteFile(path, []byte("account: [not, a, map"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-changes:
		t.Errorf("unexpected reload: %+v", cfg.Account)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_CloseWithoutStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "first")

	w, err := NewWatcher(path, func(*Config) {}, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = w.Close()
		_ = w.Close()
		w.Start()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a watcher that was never started")
	}
}

func TestWatcher_CloseWaitsForRunningCallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "first")

	entered := make(chan struct{}, 10)
	release := make(chan struct{})
	var calls atomic.Int32
	var closed atomic.Bool
	w, err := NewWatcher(path, func(*Config) {
		if closed.Load() {
			t.Error("callback ran after Close returned")
		}
		calls.Add(1)
		entered <- struct{}{}
		<-release
	}, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	w.SetDebounceDelay(20 * time.Millisecond)
	w.Start()

	writeConfig(t, path, "second")
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after config change")
	}

	closeDone := make(chan struct{})
	go func() {
		_ = w.Close()
		closed.Store(true)
		close(closeDone)
	}()

	select {
	case <-closeDone:
		t.Fatal("Close returned while a callback was running")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-closeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the callback finished")
	}

	writeConfig(t, path, "third")
	time.Sleep(200 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("callback ran %d times, want 1", n)
	}
}
