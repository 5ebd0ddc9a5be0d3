// Package upstream holds the durable per-service pool of upstream
// endpoint descriptors and the active-upstream designation.
package upstream

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
)

// Descriptor describes one named upstream endpoint.
type Descriptor struct {
	Name      string  `json:"name"`
	BaseURL   string  `json:"base_url"`
	APIKey    string  `json:"api_key,omitempty"`
	AuthToken string  `json:"auth_token"`
	Weight    float64 `json:"weight"`
	Active    bool    `json:"active"`
}

// fileDescriptor is the on-disk shape, keyed by upstream name at the
// document level. Both the TOML tables and the legacy JSON document use it.
type fileDescriptor struct {
	BaseURL   *string `toml:"base_url" json:"base_url"`
	APIKey    *string `toml:"api_key,omitempty" json:"api_key,omitempty"`
	AuthToken *string `toml:"auth_token" json:"auth_token"`
	Weight    float64 `toml:"weight" json:"weight"`
	Active    bool    `toml:"active" json:"active"`
}

// Store is the durable upstream map for one service family.
// All readers return cloned values; mutators write through to disk
// before releasing the lock.
type Store struct {
	service string
	path    string

	mu      sync.RWMutex
	entries map[string]Descriptor
	active  string
}

// NewStore loads (or initializes empty) the store for the given service
// family, backed by the file at path.
func NewStore(service, path string) (*Store, error) {
	s := &Store{
		service: service,
		path:    path,
		entries: make(map[string]Descriptor),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Service returns the service family this store belongs to.
func (s *Store) Service() string { return s.service }

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Reload re-reads the backing file, replacing the in-memory map.
// A missing file yields an empty pool. When the document fails TOML
// parsing, a JSON document of the same shape is accepted as fallback.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.mu.Lock()
		s.entries = make(map[string]Descriptor)
		s.active = ""
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", s.path, err)
	}

	raw := make(map[string]fileDescriptor)
	if terr := toml.Unmarshal(data, &raw); terr != nil {
		raw = make(map[string]fileDescriptor)
		if jerr := json.Unmarshal(data, &raw); jerr != nil {
			return fmt.Errorf("parse %s: %w", s.path, terr)
		}
	}

	entries := make(map[string]Descriptor, len(raw))
	for name, fd := range raw {
		// base_url and auth_token keys are required; partial entries
		// are skipped rather than rejected wholesale.
		if fd.BaseURL == nil || fd.AuthToken == nil {
			continue
		}
		d := Descriptor{
			Name:      name,
			BaseURL:   *fd.BaseURL,
			AuthToken: *fd.AuthToken,
			Weight:    fd.Weight,
			Active:    fd.Active,
		}
		if fd.APIKey != nil {
			d.APIKey = *fd.APIKey
		}
		entries[name] = d
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = entries
	s.active = deriveActive(entries)
	for name, d := range s.entries {
		d.Active = name == s.active
		s.entries[name] = d
	}
	return nil
}

// deriveActive picks the active name: the first marked active in sorted
// order, else the first name in sorted order, else empty.
func deriveActive(entries map[string]Descriptor) string {
	names := sortedNames(entries)
	for _, name := range names {
		if entries[name].Active {
			return name
		}
	}
	if len(names) > 0 {
		return names[0]
	}
	return ""
}

func sortedNames(entries map[string]Descriptor) []string {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns a cloned snapshot of the pool.
func (s *Store) List() map[string]Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Descriptor, len(s.entries))
	for name, d := range s.entries {
		out[name] = d
	}
	return out
}

// Get returns the descriptor for name, if present.
func (s *Store) Get(name string) (Descriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.entries[name]
	return d, ok
}

// ActiveName returns the currently designated active upstream name,
// empty when the pool is empty.
func (s *Store) ActiveName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Add inserts or replaces a descriptor and persists the pool. The first
// upstream added to an empty pool becomes active; a descriptor added with
// Active set takes over the designation.
func (s *Store) Add(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("upstream name must not be empty")
	}
	if d.BaseURL == "" {
		return fmt.Errorf("upstream %q: base_url must not be empty", d.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[d.Name] = d
	if d.Active || s.active == "" {
		s.active = d.Name
	}
	s.normalizeActiveLocked()
	return s.saveLocked()
}

// Remove deletes a descriptor and persists the pool. Removing the active
// upstream promotes the first remaining name in sorted order.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; !ok {
		return fmt.Errorf("upstream %q not found", name)
	}
	delete(s.entries, name)
	if s.active == name {
		s.active = ""
		if names := sortedNames(s.entries); len(names) > 0 {
			s.active = names[0]
		}
	}
	s.normalizeActiveLocked()
	return s.saveLocked()
}

// Activate designates name as the active upstream and persists the pool.
func (s *Store) Activate(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; !ok {
		return fmt.Errorf("upstream %q not found", name)
	}
	s.active = name
	s.normalizeActiveLocked()
	return s.saveLocked()
}

// normalizeActiveLocked enforces exactly-one-active across the map.
func (s *Store) normalizeActiveLocked() {
	for name, d := range s.entries {
		d.Active = name == s.active
		s.entries[name] = d
	}
}

// saveLocked serializes the pool as TOML tables and writes it to disk.
// Held under the write lock so readers never observe a half-written pool.
func (s *Store) saveLocked() error {
	doc := make(map[string]fileDescriptor, len(s.entries))
	for name, d := range s.entries {
		fd := fileDescriptor{
			BaseURL:   ptr(d.BaseURL),
			AuthToken: ptr(d.AuthToken),
			Weight:    d.Weight,
			Active:    d.Active,
		}
		if d.APIKey != "" {
			fd.APIKey = ptr(d.APIKey)
		}
		doc[name] = fd
	}

	data, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.path, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

func ptr[T any](v T) *T { return &v }
