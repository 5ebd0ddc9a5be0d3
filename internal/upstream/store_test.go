package upstream

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude.toml")
	s, err := NewStore("claude", path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestStoreEmptyOnMissingFile(t *testing.T) {
	s := newTestStore(t)
	if got := len(s.List()); got != 0 {
		t.Fatalf("List: got %d entries, want 0", got)
	}
	if s.ActiveName() != "" {
		t.Fatalf("ActiveName: got %q, want empty", s.ActiveName())
	}
}

func TestStoreAddActivateRemove(t *testing.T) {
	s := newTestStore(t)

	if err := s.Add(Descriptor{Name: "a", BaseURL: "https://a.example.com", AuthToken: "ta", Weight: 1}); err != nil {
		t.Fatalf("Add a: %v", err)
	}
	if s.ActiveName() != "a" {
		t.Fatalf("first add should become active, got %q", s.ActiveName())
	}

	if err := s.Add(Descriptor{Name: "b", BaseURL: "https://b.example.com", AuthToken: "tb", Weight: 2}); err != nil {
		t.Fatalf("Add b: %v", err)
	}
	if s.ActiveName() != "a" {
		t.Fatalf("second add must not steal active, got %q", s.ActiveName())
	}

	if err := s.Activate("b"); err != nil {
		t.Fatalf("Activate b: %v", err)
	}
	if s.ActiveName() != "b" {
		t.Fatalf("ActiveName: got %q, want b", s.ActiveName())
	}
	pool := s.List()
	if pool["a"].Active || !pool["b"].Active {
		t.Fatalf("exactly-one-active violated: %+v", pool)
	}

	if err := s.Remove("b"); err != nil {
		t.Fatalf("Remove b: %v", err)
	}
	if s.ActiveName() != "a" {
		t.Fatalf("removing active must promote remaining, got %q", s.ActiveName())
	}

	if err := s.Activate("missing"); err == nil {
		t.Fatal("Activate missing: want error")
	}
	if err := s.Remove("missing"); err == nil {
		t.Fatal("Remove missing: want error")
	}
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claude.toml")
	s, err := NewStore("claude", path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Add(Descriptor{Name: "prod", BaseURL: "https://api.example.com/", APIKey: "k", AuthToken: "t", Weight: 1.5}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	reopened, err := NewStore("claude", path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	d, ok := reopened.Get("prod")
	if !ok {
		t.Fatal("Get prod after reopen: not found")
	}
	if d.BaseURL != "https://api.example.com/" || d.APIKey != "k" || d.AuthToken != "t" || d.Weight != 1.5 || !d.Active {
		t.Fatalf("round trip mismatch: %+v", d)
	}
}

func TestStoreJSONFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codex.toml")
	legacy := `{"main":{"base_url":"https://api.openai.com","auth_token":"sk-x","weight":1.0,"active":true}}`
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatalf("write legacy file: %v", err)
	}

	s, err := NewStore("codex", path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	d, ok := s.Get("main")
	if !ok {
		t.Fatal("legacy JSON entry not loaded")
	}
	if d.BaseURL != "https://api.openai.com" || d.AuthToken != "sk-x" {
		t.Fatalf("legacy entry mismatch: %+v", d)
	}

	// Next write re-serializes in the primary format.
	if err := s.Activate("main"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if strings.HasPrefix(strings.TrimSpace(string(data)), "{") {
		t.Fatalf("expected TOML after save, got: %s", data)
	}
}

func TestStoreSkipsPartialEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claude.toml")
	doc := "[good]\nbase_url = \"https://a\"\nauth_token = \"t\"\n\n[partial]\nbase_url = \"https://b\"\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s, err := NewStore("claude", path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, ok := s.Get("partial"); ok {
		t.Fatal("entry without auth_token should be skipped")
	}
	if _, ok := s.Get("good"); !ok {
		t.Fatal("complete entry should be loaded")
	}
}

func TestStorePromotesWhenNoneActive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claude.toml")
	doc := "[b]\nbase_url = \"https://b\"\nauth_token = \"t\"\n\n[a]\nbase_url = \"https://a\"\nauth_token = \"t\"\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s, err := NewStore("claude", path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if s.ActiveName() != "a" {
		t.Fatalf("promotion should pick first sorted name, got %q", s.ActiveName())
	}
}
