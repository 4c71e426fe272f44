package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/francisnguyenanh/EntrypointCrypto-sub000/internal/ledger"
	"go.uber.org/zap"
)

// Store persists the book as a single JSON document, one record per symbol.
// Writes go to a temp file in the same directory and are renamed into
// place, so a crash mid-write can never corrupt the previous document.
type Store struct {
	path   string
	logger *zap.Logger
}

// NewStore creates a store writing to the given file path.
func NewStore(path string, logger *zap.Logger) *Store {
	return &Store{path: path, logger: logger.Named("store")}
}

// Load reads the persisted book state. A missing document is not an error:
// it yields an empty state, the condition of a first run.
func (s *Store) Load() (ledger.State, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("No persisted state found, starting empty", zap.String("path", s.path))
		return ledger.State{Positions: map[string]*ledger.Position{}}, nil
	}
	if err != nil {
		return ledger.State{}, fmt.Errorf("failed to read state document: %w", err)
	}

	var st ledger.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return ledger.State{}, fmt.Errorf("failed to decode state document: %w", err)
	}
	if st.Positions == nil {
		st.Positions = map[string]*ledger.Position{}
	}
	return st, nil
}

// Save atomically replaces the document with the given state.
func (s *Store) Save(st ledger.State) error {
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state document: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write temp state document: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace state document: %w", err)
	}

	s.logger.Debug("State persisted", zap.Int("bytes", len(raw)))
	return nil
}

// Size returns the serialized document size in bytes, zero when the
// document does not exist yet.
func (s *Store) Size() (int64, error) {
	info, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to stat state document: %w", err)
	}
	return info.Size(), nil
}
