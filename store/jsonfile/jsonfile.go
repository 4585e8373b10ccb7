package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/breez/feedback-ledger/store"
)

// JSONFileChangeStorage keeps the ledger as a single indented JSON array.
// Saves write a temporary file next to the target and rename it into place.
type JSONFileChangeStorage struct {
	path string
}

func NewJSONFileChangeStorage(path string) *JSONFileChangeStorage {
	return &JSONFileChangeStorage{path: path}
}

func (s *JSONFileChangeStorage) Path() string {
	return s.path
}

func (s *JSONFileChangeStorage) Load(ctx context.Context) ([]store.Change, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return []store.Change{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %v: %w", s.path, err)
	}
	defer f.Close()

	var changes []store.Change
	if err := json.NewDecoder(f).Decode(&changes); err != nil {
		return nil, fmt.Errorf("%w: failed to decode %v: %v", store.ErrCorrupt, s.path, err)
	}
	if changes == nil {
		changes = []store.Change{}
	}
	return changes, nil
}

func (s *JSONFileChangeStorage) Save(ctx context.Context, changes []store.Change) error {
	if changes == nil {
		changes = []store.Change{}
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %v: %w", dir, err)
		}
	}

	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %v: %w", tmp, err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(changes); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to encode changes: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync %v: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close %v: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace %v: %w", s.path, err)
	}
	return nil
}
