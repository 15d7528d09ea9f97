package cache

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveJSONRoundTripAndPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "server.json")
	in := map[string]int{"port": 24680}
	if err := SaveJSON(path, in); err != nil {
		t.Fatalf("save: %v", err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("unexpected mode: %v", st.Mode().Perm())
	}
	var out map[string]int
	if err := LoadJSON(path, &out); err != nil {
		t.Fatalf("load: %v", err)
	}
	if out["port"] != 24680 {
		t.Fatalf("unexpected value: %+v", out)
	}
	if err := Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := Remove(path); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
	if err := LoadJSON(path, &out); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTTLMapFreshnessAndLatest(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewTTLMap[string, []string]()
	if _, _, ok := m.Latest(); ok {
		t.Fatal("empty map should have no latest entry")
	}
	m.Set("a", []string{"gpt-4o"}, now, time.Minute)
	if _, ok := m.GetFresh("a", now.Add(30*time.Second)); !ok {
		t.Fatal("expected fresh entry")
	}
	if _, ok := m.GetFresh("a", now.Add(2*time.Minute)); ok {
		t.Fatal("expected stale entry to be hidden from GetFresh")
	}
	m.Set("b", []string{"claude-sonnet-4"}, now, time.Minute)
	key, e, ok := m.Latest()
	if !ok || key != "b" || e.Value[0] != "claude-sonnet-4" {
		t.Fatalf("unexpected latest: %q %+v %v", key, e, ok)
	}
	m.Retain("b")
	if m.Len() != 1 {
		t.Fatalf("expected one entry after retain, got %d", m.Len())
	}
	m.Expire(now)
	if _, ok := m.GetFresh("b", now); ok {
		t.Fatal("expected expired entry")
	}
	if _, ok := m.Get("b"); !ok {
		t.Fatal("expired entry should still be readable")
	}
}
