// Package statestore persists the client's SyncState between rounds.
// SyncRunner saves it after every successful round; it does not use the
// loaded state to skip hashing, so every uploaded file is hashed from the
// bytes it sends.
package statestore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/openmined/filemirrorsync/internal/protocol"
)

// State is the client-local record of the last successful round.
type State struct {
	LastSyncUTC time.Time                    `json:"lastSyncUtc"`
	Files       map[string]protocol.FileEntry `json:"files"`
}

// Empty returns a fresh, zero-value state for when no state file exists.
func Empty() *State {
	return &State{Files: map[string]protocol.FileEntry{}}
}

// Store loads and saves State documents from a single JSON file path.
type Store struct {
	path string
}

func New(path string) *Store {
	return &Store{path: path}
}

// Load returns Empty() when the file is missing; a parse failure is
// returned to the caller so the round can be aborted rather than silently
// starting from scratch with a corrupt file on disk.
func (s *Store) Load() (*State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Empty(), nil
		}
		return nil, err
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	if st.Files == nil {
		st.Files = map[string]protocol.FileEntry{}
	}
	return &st, nil
}

// Save writes the state as pretty-printed JSON, creating parent
// directories as needed. Callers must only invoke Save after a full-round
// success; a failed round must leave the prior file untouched.
func (s *Store) Save(st *State) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
