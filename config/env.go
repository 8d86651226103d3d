package config

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Env is the free-form key/value store controllers use to keep their own
// settings on the robot. It outlives sessions and is only written on Save.
type Env struct {
	mu     sync.RWMutex
	path   string
	values map[string]any
}

// NewEnv returns an empty store that saves to path.
func NewEnv(path string) *Env {
	return &Env{path: path, values: make(map[string]any)}
}

// LoadEnv reads the env file. A missing file yields an empty store.
func LoadEnv(path string) (*Env, error) {
	e := NewEnv(path)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return e, nil
	}
	if err != nil {
		return nil, fmt.Errorf("can't read env file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &e.values); err != nil {
		return nil, fmt.Errorf("can't decode env file %s: %w", path, err)
	}
	if e.values == nil {
		e.values = make(map[string]any)
	}
	return e, nil
}

func (e *Env) Get(key string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.values[key]
	return v, ok
}

func (e *Env) Set(key string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.values[key] = value
}

// Delete removes key and reports whether it was present.
func (e *Env) Delete(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.values[key]
	delete(e.values, key)
	return ok
}

// All returns a copy of the whole store.
func (e *Env) All() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return maps.Clone(e.values)
}

// Save writes the store back to the file it was loaded from.
func (e *Env) Save() error {
	e.mu.RLock()
	data, err := yaml.Marshal(e.values)
	e.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal env: %w", err)
	}
	if err := os.WriteFile(e.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write env file %s: %w", e.path, err)
	}
	return nil
}
