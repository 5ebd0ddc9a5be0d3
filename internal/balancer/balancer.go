// Package balancer implements health-and-weight upstream selection with
// a durable JSON state file shared with external tooling.
package balancer

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"
)

// Mode selects the balancing policy.
type Mode string

const (
	// ModeActiveFirst always returns the operator-designated active upstream.
	ModeActiveFirst Mode = "active-first"
	// ModeWeightBased picks the healthiest upstream by weight.
	ModeWeightBased Mode = "weight-based"
)

const (
	defaultFailureThreshold = 3
	defaultAutoResetMinutes = 10
)

// ServiceState is the per-service-family health record. Field names match
// the on-disk JSON contract, which external tools read and edit.
type ServiceState struct {
	FailureThreshold    uint32             `json:"failureThreshold"`
	AutoResetMinutes    uint32             `json:"autoResetMinutes"`
	CurrentFailures     map[string]uint32  `json:"currentFailures"`
	ExcludedConfigs     []string           `json:"excludedConfigs"`
	ExcludedTimestamps  map[string]float64 `json:"excludedTimestamps"`
	ManualDisabledUntil map[string]string  `json:"manualDisabledUntil"`
}

func newServiceState() *ServiceState {
	return &ServiceState{
		FailureThreshold:    defaultFailureThreshold,
		AutoResetMinutes:    defaultAutoResetMinutes,
		CurrentFailures:     make(map[string]uint32),
		ExcludedConfigs:     []string{},
		ExcludedTimestamps:  make(map[string]float64),
		ManualDisabledUntil: make(map[string]string),
	}
}

func (s *ServiceState) clone() *ServiceState {
	out := &ServiceState{
		FailureThreshold:    s.FailureThreshold,
		AutoResetMinutes:    s.AutoResetMinutes,
		CurrentFailures:     make(map[string]uint32, len(s.CurrentFailures)),
		ExcludedConfigs:     slices.Clone(s.ExcludedConfigs),
		ExcludedTimestamps:  make(map[string]float64, len(s.ExcludedTimestamps)),
		ManualDisabledUntil: make(map[string]string, len(s.ManualDisabledUntil)),
	}
	for k, v := range s.CurrentFailures {
		out.CurrentFailures[k] = v
	}
	for k, v := range s.ExcludedTimestamps {
		out.ExcludedTimestamps[k] = v
	}
	for k, v := range s.ManualDisabledUntil {
		out.ManualDisabledUntil[k] = v
	}
	return out
}

// normalize backfills zero-value fields after a JSON decode so hand-edited
// files with missing maps do not panic downstream.
func (s *ServiceState) normalize() {
	if s.CurrentFailures == nil {
		s.CurrentFailures = make(map[string]uint32)
	}
	if s.ExcludedConfigs == nil {
		s.ExcludedConfigs = []string{}
	}
	if s.ExcludedTimestamps == nil {
		s.ExcludedTimestamps = make(map[string]float64)
	}
	if s.ManualDisabledUntil == nil {
		s.ManualDisabledUntil = make(map[string]string)
	}
}

// Config is the full balancer state across service families.
type Config struct {
	Mode     Mode                     `json:"mode"`
	Services map[string]*ServiceState `json:"services"`
}

// DefaultConfig pre-seeds records for both service families.
func DefaultConfig() *Config {
	return &Config{
		Mode: ModeActiveFirst,
		Services: map[string]*ServiceState{
			"claude": newServiceState(),
			"codex":  newServiceState(),
		},
	}
}

func (c *Config) clone() *Config {
	out := &Config{
		Mode:     c.Mode,
		Services: make(map[string]*ServiceState, len(c.Services)),
	}
	for name, svc := range c.Services {
		out.Services[name] = svc.clone()
	}
	return out
}

// Balancer tracks per-upstream health and selects one upstream per
// request. State is persisted as JSON; the file is watched by mtime so
// external edits take effect on the next selection or recording.
type Balancer struct {
	path string

	mu           sync.Mutex
	cfg          *Config
	lastModified time.Time

	now func() time.Time
}

// New loads (or initializes) the balancer state at path.
func New(path string) (*Balancer, error) {
	b := &Balancer{
		path: path,
		cfg:  DefaultConfig(),
		now:  time.Now,
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	b.mu.Lock()
	b.loadLocked()
	b.mu.Unlock()
	return b, nil
}

// loadLocked reads the state file. Unparseable content falls back to
// defaults with a warning so a corrupt file never takes the proxy down.
func (b *Balancer) loadLocked() {
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		b.cfg = DefaultConfig()
		return
	}
	if err != nil {
		log.Printf("[balancer] read %s: %v, using defaults", b.path, err)
		b.cfg = DefaultConfig()
		return
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("[balancer] parse %s: %v, using defaults", b.path, err)
		b.cfg = DefaultConfig()
	} else {
		if cfg.Services == nil {
			cfg.Services = make(map[string]*ServiceState)
		}
		for _, svc := range cfg.Services {
			svc.normalize()
		}
		b.cfg = cfg
	}

	if info, err := os.Stat(b.path); err == nil {
		b.lastModified = info.ModTime()
	}
}

// checkAndReloadLocked reloads when the file mtime advanced since the
// last read, picking up external edits.
func (b *Balancer) checkAndReloadLocked() {
	info, err := os.Stat(b.path)
	if err != nil {
		return
	}
	if info.ModTime().After(b.lastModified) {
		b.loadLocked()
	}
}

func (b *Balancer) saveLocked() {
	data, err := json.MarshalIndent(b.cfg, "", "  ")
	if err != nil {
		log.Printf("[balancer] encode state: %v", err)
		return
	}
	if err := os.WriteFile(b.path, data, 0o644); err != nil {
		log.Printf("[balancer] write %s: %v", b.path, err)
		return
	}
	if info, err := os.Stat(b.path); err == nil {
		b.lastModified = info.ModTime()
	}
}

func (b *Balancer) serviceLocked(service string) *ServiceState {
	svc, ok := b.cfg.Services[service]
	if !ok {
		svc = newServiceState()
		b.cfg.Services[service] = svc
	}
	return svc
}

// Select returns the upstream name to use for the next request of the
// given service family. pool maps upstream name to weight.
func (b *Balancer) Select(service, activeName string, pool map[string]float64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkAndReloadLocked()

	svc := b.serviceLocked(service)
	b.applyAutoResetLocked(svc)
	b.cleanupManualDisabledLocked(svc)

	if b.cfg.Mode == ModeActiveFirst {
		return activeName
	}
	return b.selectWeightedLocked(activeName, pool, svc)
}

func (b *Balancer) selectWeightedLocked(activeName string, pool map[string]float64, svc *ServiceState) string {
	if len(pool) == 0 {
		return activeName
	}

	today := b.today()
	sorted := sortedByWeight(pool)

	for _, name := range sorted {
		if svc.CurrentFailures[name] >= svc.FailureThreshold {
			continue
		}
		if slices.Contains(svc.ExcludedConfigs, name) {
			continue
		}
		if svc.ManualDisabledUntil[name] == today {
			continue
		}
		return name
	}

	// All upstreams unhealthy: fall back to the active one, else the
	// highest-weight entry.
	if _, ok := pool[activeName]; ok {
		return activeName
	}
	return sorted[0]
}

// sortedByWeight orders pool names by weight descending, name ascending
// on ties.
func sortedByWeight(pool map[string]float64) []string {
	names := make([]string, 0, len(pool))
	for name := range pool {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if pool[names[i]] != pool[names[j]] {
			return pool[names[i]] > pool[names[j]]
		}
		return names[i] < names[j]
	})
	return names
}

// Record updates the failure accounting for one finished request and
// persists the state.
func (b *Balancer) Record(service, name string, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkAndReloadLocked()

	svc := b.serviceLocked(service)
	b.applyAutoResetLocked(svc)
	b.cleanupManualDisabledLocked(svc)

	if success {
		svc.CurrentFailures[name] = 0
		svc.ExcludedConfigs = slices.DeleteFunc(svc.ExcludedConfigs, func(n string) bool { return n == name })
		delete(svc.ExcludedTimestamps, name)
	} else {
		svc.CurrentFailures[name]++
		if svc.CurrentFailures[name] >= svc.FailureThreshold && !slices.Contains(svc.ExcludedConfigs, name) {
			svc.ExcludedConfigs = append(svc.ExcludedConfigs, name)
			svc.ExcludedTimestamps[name] = float64(b.now().UnixNano()) / 1e9
		}
	}

	b.saveLocked()
}

// applyAutoResetLocked re-admits upstreams whose exclusion has aged past
// the auto-reset window. A zero window disables the sweep.
func (b *Balancer) applyAutoResetLocked(svc *ServiceState) {
	if svc.AutoResetMinutes == 0 {
		return
	}
	now := float64(b.now().UnixNano()) / 1e9
	window := float64(svc.AutoResetMinutes) * 60

	var reset []string
	for _, name := range svc.ExcludedConfigs {
		if ts, ok := svc.ExcludedTimestamps[name]; ok && now-ts >= window {
			reset = append(reset, name)
		}
	}
	for _, name := range reset {
		svc.ExcludedConfigs = slices.DeleteFunc(svc.ExcludedConfigs, func(n string) bool { return n == name })
		delete(svc.ExcludedTimestamps, name)
		svc.CurrentFailures[name] = 0
	}
}

// cleanupManualDisabledLocked drops every manual-disable entry whose date
// is not today. Past entries become inert; today's persists through the day.
func (b *Balancer) cleanupManualDisabledLocked(svc *ServiceState) {
	today := b.today()
	for name, until := range svc.ManualDisabledUntil {
		if until != today {
			delete(svc.ManualDisabledUntil, name)
		}
	}
}

func (b *Balancer) today() string {
	return b.now().UTC().Format("2006-01-02")
}

// Config returns a deep copy of the current state.
func (b *Balancer) Config() *Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkAndReloadLocked()
	return b.cfg.clone()
}

// ReplaceConfig overwrites the state wholesale and persists it. Used by
// the management API.
func (b *Balancer) ReplaceConfig(cfg *Config) error {
	if cfg.Mode != ModeActiveFirst && cfg.Mode != ModeWeightBased {
		return fmt.Errorf("invalid balancer mode %q", cfg.Mode)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cfg.Services == nil {
		cfg.Services = make(map[string]*ServiceState)
	}
	for _, svc := range cfg.Services {
		svc.normalize()
	}
	b.cfg = cfg.clone()
	b.saveLocked()
	return nil
}
