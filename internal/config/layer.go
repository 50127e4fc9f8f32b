package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"sync"
)

// UserLayer is the persisted set of operator overrides, stored as a JSON
// object of setting name to value.
type UserLayer struct {
	path string
	mu   sync.Mutex
}

// NewUserLayer binds a layer to a file. The file need not exist yet.
func NewUserLayer(path string) *UserLayer { return &UserLayer{path: path} }

// Load returns the stored overrides; a missing file is an empty layer.
func (l *UserLayer) Load() (map[string]any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load()
}

func (l *UserLayer) load() (map[string]any, error) {
	b, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	m := map[string]any{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("user layer %s: %w", l.path, err)
	}
	return m, nil
}

// Apply overlays updates onto the stored layer, checks the composed result
// with check, and persists the layer only if check passes.
func (l *UserLayer) Apply(updates map[string]any, check func(map[string]any) error) (map[string]any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, err := l.load()
	if err != nil {
		return nil, err
	}
	next := maps.Clone(cur)
	maps.Copy(next, updates)
	if err := check(next); err != nil {
		return nil, err
	}

	b, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return nil, err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return nil, err
	}
	return next, os.Rename(tmp, l.path)
}
