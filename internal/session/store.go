package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/drallgood/kindle-booklog-sync/internal/browser"
)

// Store persists the cookie snapshot of one service as a JSON array
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a store backed by the file at path
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the snapshot file location
func (s *Store) Path() string {
	return s.path
}

// Load reads the snapshot. The boolean is false when no snapshot exists yet.
func (s *Store) Load() ([]browser.Cookie, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read cookie file %q: %w", s.path, err)
	}

	var cookies []browser.Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		return nil, false, fmt.Errorf("invalid cookie file %q: %w", s.path, err)
	}
	return cookies, true, nil
}

// Save overwrites the snapshot atomically
func (s *Store) Save(cookies []browser.Cookie) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cookies == nil {
		cookies = []browser.Cookie{}
	}

	targetDir := filepath.Dir(s.path)
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return fmt.Errorf("failed to create cookie directory %q: %w", targetDir, err)
	}

	// Create temp file in the same directory as the target file
	tmpFile, err := os.CreateTemp(targetDir, filepath.Base(s.path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %q: %w", targetDir, err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		tmpFile.Close()
		if _, err := os.Stat(tmpPath); err == nil {
			os.Remove(tmpPath)
		}
	}()

	if err := json.NewEncoder(tmpFile).Encode(cookies); err != nil {
		return fmt.Errorf("failed to encode cookies: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync cookie file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to rename temp file to %q: %w", s.path, err)
	}

	// Session cookies are credentials
	if err := os.Chmod(s.path, 0600); err != nil {
		return fmt.Errorf("failed to set permissions on cookie file: %w", err)
	}
	return nil
}
