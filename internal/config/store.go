// Package config implements the key/value configuration store the resolver
// reads from. Proposed changes pass through registered validators before they
// commit; a rejection aborts the commit and the old value is retained.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Validator inspects a proposed value for a key before it is committed.
// Returning a non-nil error vetoes the change. Validators run synchronously
// under the store's lock and must be side-effect-free and fast.
type Validator func(key, value string) error

// Store is a string key/value store backed by an optional YAML file.
type Store struct {
	mu         sync.RWMutex
	path       string
	values     map[string]string
	validators map[string]map[int]Validator
	nextID     int
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		values:     make(map[string]string),
		validators: make(map[string]map[int]Validator),
	}
}

// Load reads a YAML file of scalar keys into a new store. A missing file
// yields an empty store bound to path, so a first Save creates it.
func Load(path string) (*Store, error) {
	s := NewStore()
	s.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &s.values); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if s.values == nil {
		s.values = make(map[string]string)
	}
	return s, nil
}

// GetString returns the value for key, or "" when the key is unset.
func (s *Store) GetString(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}

// Set proposes a new value for key. Every validator registered for the key
// is consulted first; any rejection aborts the commit and the old value is
// retained.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, validate := range s.validators[key] {
		if err := validate(key, value); err != nil {
			return fmt.Errorf("config: set %s: %w", key, err)
		}
	}

	s.values[key] = value
	return nil
}

// RegisterValidator registers a validator for key and returns a handle for
// UnregisterValidator.
func (s *Store) RegisterValidator(key string, v Validator) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.validators[key] == nil {
		s.validators[key] = make(map[int]Validator)
	}
	s.nextID++
	s.validators[key][s.nextID] = v
	return s.nextID
}

// UnregisterValidator removes a previously registered validator. Unknown
// handles are ignored.
func (s *Store) UnregisterValidator(key string, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.validators[key], id)
}

// Save writes the current values back to the backing file atomically.
func (s *Store) Save() error {
	s.mu.RLock()
	path := s.path
	data, err := yaml.Marshal(s.values)
	s.mu.RUnlock()

	if path == "" {
		return fmt.Errorf("config: save: store has no backing file")
	}
	if err != nil {
		return fmt.Errorf("config: save: marshal: %w", err)
	}
	if err := writeFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("config: save %s: %w", path, err)
	}
	return nil
}

// writeFileAtomic writes data to path via a temp file and rename, so readers
// never observe a partially written file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir, name := filepath.Split(path)
	tmpPath := filepath.Join(dir, ".tmp-"+name)

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath) // clean up on error

	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
