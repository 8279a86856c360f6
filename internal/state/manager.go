package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const currentVersion = 1

// ErrNotFound is returned when a user has no control file yet.
var ErrNotFound = errors.New("user control not found")

// Manager handles reading and writing per-user control files safely.
type Manager struct {
	dir string
	mu  sync.Mutex
}

// NewManager prepares the state directory.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	return &Manager{dir: dir}, nil
}

func (m *Manager) path(user string) (string, error) {
	if user == "" || strings.ContainsAny(user, "/\\") || strings.HasPrefix(user, ".") {
		return "", fmt.Errorf("invalid user name %q", user)
	}
	return filepath.Join(m.dir, user+".json"), nil
}

// Load reads the user's control file and its last-modified marker.
func (m *Manager) Load(user string) (Control, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, err := m.path(user)
	if err != nil {
		return Control{}, time.Time{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Control{}, time.Time{}, ErrNotFound
		}
		return Control{}, time.Time{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Control{}, time.Time{}, err
	}

	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		return Control{}, time.Time{}, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return c, info.ModTime(), nil
}

// Save atomically writes the user's control file and returns the new marker.
func (m *Manager) Save(user string, c Control) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, err := m.path(user)
	if err != nil {
		return time.Time{}, err
	}
	c.Version = currentVersion
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return time.Time{}, err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return time.Time{}, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// Modified returns the last-modified marker of the user's control file.
func (m *Manager) Modified(user string) (time.Time, error) {
	path, err := m.path(user)
	if err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

