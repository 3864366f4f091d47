package config

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestWatcher_EmitsOnConfigWrite(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(ConfigPath(dir), []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(dir, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := os.WriteFile(ConfigPath(dir), []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case ev := <-w.Events():
		if ev.Path != ConfigPath(dir) {
			t.Fatalf("event path = %q", ev.Path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reload event after config write")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(dir, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := os.WriteFile(ConfigPath(dir)+".tmp", []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %q", ev.Path)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_ClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWatcher(t.TempDir(), nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()

	select {
	case _, ok := <-w.Events():
		if ok {
			t.Fatal("got event after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}
