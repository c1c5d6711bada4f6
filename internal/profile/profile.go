// Package profile keeps the JSON copy of the user record that other local
// tools read directly.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
)

// Store is a user.json file. Unknown fields written by other tools are kept.
type Store struct {
	path string
	mu   sync.Mutex
}

// New returns a Store for the given file path.
func New(path string) *Store {
	return &Store{path: path}
}

// Name identifies this store in logs.
func (s *Store) Name() string { return "profile" }

// Load returns the raw record, or nil if the file does not exist.
func (s *Store) Load() (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (map[string]any, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return rec, nil
}

func (s *Store) write(rec map[string]any) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create profile directory: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}
	return nil
}

// Save replaces the record. Called at login.
func (s *Store) Save(rec map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(rec)
}

// UpdateTokenBalance sets tokens_remaining on the existing record. It
// reports false when there is no record to update.
func (s *Store) UpdateTokenBalance(_ context.Context, balance int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load()
	if err != nil || rec == nil {
		return false, err
	}
	rec["tokens_remaining"] = balance
	if err := s.write(rec); err != nil {
		return false, err
	}
	return true, nil
}

// Remove deletes the record. Called at logout.
func (s *Store) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove profile: %w", err)
	}
	return nil
}
