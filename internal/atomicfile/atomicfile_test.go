package atomicfile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestManager_WriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	m := NewManager(path)

	want := record{Name: "agent-1", Count: 7}
	if err := m.Write(context.Background(), want); err != nil {
		t.Fatalf("write: %v", err)
	}

	var got record
	found, err := m.Read(context.Background(), &got)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !found {
		t.Fatal("found = false, want true")
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestManager_ReadMissingFile(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "absent.json"))

	var got record
	found, err := m.Read(context.Background(), &got)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if found {
		t.Fatal("found = true for missing file")
	}
}

func TestManager_SecondWriteKeepsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	m := NewManager(path)
	ctx := context.Background()

	if err := m.Write(ctx, record{Name: "v1"}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := m.Write(ctx, record{Name: "v2"}); err != nil {
		t.Fatalf("second write: %v", err)
	}

	raw, err := os.ReadFile(m.BackupPath())
	if err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if want := `"v1"`; !strings.Contains(string(raw), want) {
		t.Fatalf("backup = %s, want it to contain %s", raw, want)
	}

	var got record
	if _, err := m.Read(ctx, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Name != "v2" {
		t.Fatalf("primary name = %q, want v2", got.Name)
	}
}

func TestManager_CorruptPrimaryRecoversBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	m := NewManager(path)
	ctx := context.Background()

	if err := m.Write(ctx, record{Name: "good", Count: 1}); err != nil {
		t.Fatalf("write v1: %v", err)
	}
	if err := m.Write(ctx, record{Name: "good", Count: 2}); err != nil {
		t.Fatalf("write v2: %v", err)
	}

	// Corrupt the primary's bytes directly.
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	var got record
	found, err := m.Read(ctx, &got)
	if err != nil {
		t.Fatalf("read after corruption: %v", err)
	}
	if !found {
		t.Fatal("found = false, want backup recovery")
	}
	// The backup holds the previous good write.
	if got.Name != "good" || got.Count != 1 {
		t.Fatalf("recovered %+v, want the last good backup", got)
	}

	// Recovery must reinstall a parseable primary.
	var again record
	found, err = m.Read(ctx, &again)
	if err != nil || !found {
		t.Fatalf("re-read after recovery: found=%v err=%v", found, err)
	}
	if again != got {
		t.Fatalf("re-read %+v, want %+v", again, got)
	}
}

func TestManager_CorruptPrimaryNoBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	m := NewManager(path)

	var got record
	found, err := m.Read(context.Background(), &got)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if found {
		t.Fatal("found = true with no recoverable content")
	}
}

func TestManager_WriteCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "state.json")
	m := NewManager(path)
	if err := m.Write(context.Background(), record{Name: "x"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stat: %v", err)
	}
}
