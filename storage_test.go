package spareplate

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryStorage(t *testing.T) {
	s := NewMemoryStorage()

	if _, ok := s.Get("missing"); ok {
		t.Fatal("expected miss for unknown key")
	}
	if err := s.Set("k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok := s.Get("k"); !ok || v != "v" {
		t.Fatalf("Get = %q,%v, want v,true", v, ok)
	}
	if err := s.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get("k"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestFileStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")

	t.Run("round trip across reopen", func(t *testing.T) {
		s, err := NewFileStorage(path)
		if err != nil {
			t.Fatalf("NewFileStorage: %v", err)
		}
		if err := s.Set(hiddenChatsKey("u1"), `["42"]`); err != nil {
			t.Fatalf("Set: %v", err)
		}
		if err := s.Set(lastReadKey("42"), "2026-01-01T00:00:00Z"); err != nil {
			t.Fatalf("Set: %v", err)
		}

		reopened, err := NewFileStorage(path)
		if err != nil {
			t.Fatalf("reopen: %v", err)
		}
		if v, ok := reopened.Get(hiddenChatsKey("u1")); !ok || v != `["42"]` {
			t.Fatalf("hide list after reopen = %q,%v", v, ok)
		}
		if v, ok := reopened.Get(lastReadKey("42")); !ok || v != "2026-01-01T00:00:00Z" {
			t.Fatalf("last read after reopen = %q,%v", v, ok)
		}
	})

	t.Run("delete persists", func(t *testing.T) {
		s, err := NewFileStorage(path)
		if err != nil {
			t.Fatalf("NewFileStorage: %v", err)
		}
		if err := s.Delete(lastReadKey("42")); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		reopened, err := NewFileStorage(path)
		if err != nil {
			t.Fatalf("reopen: %v", err)
		}
		if _, ok := reopened.Get(lastReadKey("42")); ok {
			t.Fatal("deleted key survived reopen")
		}
	})

	t.Run("no temp file left behind", func(t *testing.T) {
		if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
			t.Fatalf("temp file still present: %v", err)
		}
	})

	t.Run("corrupt file rejected", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.json")
		if err := os.WriteFile(bad, []byte("{not json"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := NewFileStorage(bad); err == nil {
			t.Fatal("expected error for corrupt storage file")
		}
	})
}
