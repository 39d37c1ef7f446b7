package collector

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/tinytelemetry/beacon/internal/journal"
)

// OffsetStore tracks the consumed byte offset per absolute file path.
// With a path set, every Save rewrites the file atomically.
type OffsetStore struct {
	path    string
	mu      sync.Mutex
	offsets map[string]int64
}

// NewOffsetStore returns an in-memory store.
func NewOffsetStore() *OffsetStore {
	return &OffsetStore{offsets: make(map[string]int64)}
}

// LoadOffsetStore reads offsets from path. A missing file yields an empty store.
func LoadOffsetStore(path string) (*OffsetStore, error) {
	s := &OffsetStore{path: path, offsets: make(map[string]int64)}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("collector: read offsets: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.offsets); err != nil {
		return nil, fmt.Errorf("collector: decode offsets %s: %w", path, err)
	}
	return s, nil
}

// Get returns the offset for file.
func (s *OffsetStore) Get(file string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsets[file]
}

// Set records the offset for file and persists the store.
func (s *OffsetStore) Set(file string, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[file] = offset
	return s.saveLocked()
}

// Snapshot copies all offsets.
func (s *OffsetStore) Snapshot() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.offsets))
	for k, v := range s.offsets {
		out[k] = v
	}
	return out
}

func (s *OffsetStore) saveLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := json.Marshal(s.offsets)
	if err != nil {
		return fmt.Errorf("collector: encode offsets: %w", err)
	}
	if err := journal.WriteFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("collector: write offsets: %w", err)
	}
	return nil
}
