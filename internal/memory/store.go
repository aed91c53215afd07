// Package memory implements the project knowledge layer: a per-key JSON
// value store and the long-term memory file of discoveries, solutions,
// and patterns that survive across sessions.
package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ErrKeyNotFound indicates no value exists for the memory key.
var ErrKeyNotFound = errors.New("memory key not found")

// keyPattern constrains keys to filesystem-safe names.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Store is the per-key project memory: one JSON file per key under the
// memory directory.
type Store struct {
	dir string
}

// NewStore creates a key/value memory store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

type entry struct {
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Set writes a value for key.
func (s *Store) Set(key, value string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("invalid memory key %q: must match %s", key, keyPattern)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	data, err := json.MarshalIndent(entry{Value: value, UpdatedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(s.dir, key+".json"), data, 0o600)
}

// Get reads the value for key.
func (s *Store) Get(key string) (string, error) {
	if !keyPattern.MatchString(key) {
		return "", fmt.Errorf("invalid memory key %q", key)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, key+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrKeyNotFound, key)
		}
		return "", err
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return "", fmt.Errorf("decode memory key %s: %w", key, err)
	}
	return e.Value, nil
}

// List returns every stored key, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes a key.
func (s *Store) Delete(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("invalid memory key %q", key)
	}
	err := os.Remove(filepath.Join(s.dir, key+".json"))
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return err
}

func atomicWrite(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
