package network

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// FabricState is the persisted bookkeeping of the intent engine: the keys it
// has installed and the keys still waiting to be purged. On restart every
// stored key that is not desired again is retired.
type FabricState struct {
	Installed    []string `yaml:"installed"`
	PendingPurge []string `yaml:"pendingPurge"`
}

// StateStore handles loading and saving FabricState to a YAML file.
// An empty path disables persistence.
type StateStore struct {
	mu   sync.RWMutex
	path string
	data FabricState
}

// NewStateStore returns a store backed by path.
func NewStateStore(path string) *StateStore {
	return &StateStore{path: path}
}

// Load reads the state file. A missing file is not an error.
func (s *StateStore) Load() error {
	if s.path == "" {
		return nil
	}

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var state FabricState
	if err := yaml.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("parsing fabric state: %w", err)
	}

	s.mu.Lock()
	s.data = state
	s.mu.Unlock()
	return nil
}

// Save writes the state file.
func (s *StateStore) Save() error {
	if s.path == "" {
		return nil
	}

	s.mu.RLock()
	raw, err := yaml.Marshal(s.data)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshaling fabric state: %w", err)
	}

	if err := os.WriteFile(s.path, raw, 0644); err != nil {
		return fmt.Errorf("writing fabric state to %s: %w", s.path, err)
	}
	return nil
}

// Get returns a copy of the current state.
func (s *StateStore) Get() FabricState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return FabricState{
		Installed:    append([]string(nil), s.data.Installed...),
		PendingPurge: append([]string(nil), s.data.PendingPurge...),
	}
}

// Set replaces the current state. Keys are stored sorted.
func (s *StateStore) Set(installed, pending []string) {
	installed = append([]string(nil), installed...)
	pending = append([]string(nil), pending...)
	sort.Strings(installed)
	sort.Strings(pending)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = FabricState{Installed: installed, PendingPurge: pending}
}
