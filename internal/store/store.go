// Package store persists local client state: the user's ElevenLabs
// credentials and the provisioned agent profile. The profile lives in a
// plain JSON file under a single directory, suitable for a single-user
// desktop client.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// profileFile is the file name of the saved profile inside the store dir.
const profileFile = "profile.json"

// Profile is the locally persisted client state. The API key is written
// with owner-only permissions since it grants full account access.
type Profile struct {
	APIKey    string    `json:"api_key"`
	AgentID   string    `json:"agent_id,omitempty"`
	AgentName string    `json:"agent_name,omitempty"`
	Language  string    `json:"language,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProfileStore persists a single [Profile] as a JSON file.
// Thread-safe for concurrent use.
type ProfileStore struct {
	mu  sync.Mutex
	dir string
}

// NewProfileStore creates a ProfileStore rooted at dir. The directory is
// created on first save.
func NewProfileStore(dir string) *ProfileStore {
	return &ProfileStore{dir: dir}
}

// Load reads the saved profile. The second return value is false when no
// profile has been saved yet.
func (s *ProfileStore) Load() (Profile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, profileFile))
	if errors.Is(err, fs.ErrNotExist) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, fmt.Errorf("store: read profile: %w", err)
	}

	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return Profile{}, false, fmt.Errorf("store: parse profile: %w", err)
	}
	return p, true, nil
}

// Save writes the profile to disk. The write goes through a temporary file
// and a rename so a crash never leaves a half-written profile behind.
func (s *ProfileStore) Save(p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal profile: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("store: create dir: %w", err)
	}

	tmp := filepath.Join(s.dir, profileFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("store: write profile: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, profileFile)); err != nil {
		return fmt.Errorf("store: rename profile: %w", err)
	}
	return nil
}

// Clear removes the saved profile. Clearing a store that has no profile is
// not an error.
func (s *ProfileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.dir, profileFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("store: remove profile: %w", err)
	}
	return nil
}
