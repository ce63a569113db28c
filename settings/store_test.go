package settings

import "testing"

func TestNewStore_returnsDefaultsWhenAbsent(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	got := store.Get()
	if got.DefaultMode != "plan" || got.DefaultWebSearch {
		t.Errorf("unexpected defaults: %+v", got)
	}
}

func TestStore_UpdatePersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if _, err := store.Update(func(s *Settings) {
		s.DefaultMode = "acceptEdits"
		s.LastSelectedAgent = "cursor-agent"
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	reloaded, err := NewStore(dir)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	got := reloaded.Get()
	if got.DefaultMode != "acceptEdits" || got.LastSelectedAgent != "cursor-agent" {
		t.Errorf("settings did not persist: %+v", got)
	}
}
