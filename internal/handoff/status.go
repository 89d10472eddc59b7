// Package handoff persists the cross-component handoff data: the most
// recently applied classification as a JSON status file, and an append-only
// journal of every applied verdict. Both are eventually consistent;
// the display surface reads them at any time without coordination.
package handoff

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Status is the most recently applied classification, any tab.
type Status struct {
	TabID     string    `json:"tab_id"`
	URL       string    `json:"url"`
	Verdict   string    `json:"verdict"`
	RawResult string    `json:"raw_result"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusStore reads and writes the status file.
type StatusStore struct {
	path string
	mu   sync.RWMutex
}

// NewStatusStore creates a StatusStore and ensures the directory exists.
func NewStatusStore(dir string) (*StatusStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("status store: mkdir %s: %w", dir, err)
	}
	return &StatusStore{path: filepath.Join(dir, "status.json")}, nil
}

// Save overwrites the status file.
func (s *StatusStore) Save(st Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("status store: marshal: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("status store: write: %w", err)
	}
	return nil
}

// Load reads the current status. A missing file reports ok=false.
func (s *StatusStore) Load() (Status, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Status{}, false, nil
		}
		return Status{}, false, fmt.Errorf("status store: read: %w", err)
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return Status{}, false, fmt.Errorf("status store: unmarshal: %w", err)
	}
	return st, true, nil
}
