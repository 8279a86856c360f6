package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ErrNotFound is returned when a user has no policy file.
var ErrNotFound = errors.New("user config not found")

// Store reads and writes per-user policy files under one directory.
type Store struct {
	dir      string
	defaults UserConfig
}

func NewStore(dir string, defaults UserConfig) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create users dir: %w", err)
	}
	return &Store{dir: dir, defaults: defaults}, nil
}

func (s *Store) path(user string) (string, error) {
	if user == "" || strings.ContainsAny(user, "/\\") || strings.HasPrefix(user, ".") {
		return "", fmt.Errorf("invalid user name %q", user)
	}
	return filepath.Join(s.dir, user+".toml"), nil
}

// Defaults returns the resolved default policy used for new users.
func (s *Store) Defaults() (Snapshot, error) {
	def := s.defaults
	def.ApplyDefaults(BuiltinDefaults())
	return def.Resolve()
}

// Load reads the user's policy and its last-modified marker.
func (s *Store) Load(user string) (Snapshot, time.Time, error) {
	path, err := s.path(user)
	if err != nil {
		return Snapshot{}, time.Time{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Snapshot{}, time.Time{}, ErrNotFound
		}
		return Snapshot{}, time.Time{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, time.Time{}, err
	}

	uc, err := decodeUserConfig(data)
	if err != nil {
		return Snapshot{}, time.Time{}, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	uc.ApplyDefaults(s.defaults)
	uc.ApplyDefaults(BuiltinDefaults())
	snap, err := uc.Resolve()
	if err != nil {
		return Snapshot{}, time.Time{}, fmt.Errorf("invalid policy in %s: %w", path, err)
	}
	return snap, info.ModTime(), nil
}

// decodeUserConfig keeps explicitly empty arrays distinct from absent keys so
// that `allowed_days = []` is not replaced by the default.
func decodeUserConfig(data []byte) (UserConfig, error) {
	var uc UserConfig
	if err := toml.Unmarshal(data, &uc); err != nil {
		return uc, err
	}
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return uc, err
	}
	if _, ok := raw["allowed_days"]; ok && uc.AllowedDays == nil {
		uc.AllowedDays = []int{}
	}
	if _, ok := raw["notify_before"]; ok && uc.NotifyBefore == nil {
		uc.NotifyBefore = []Duration{}
	}
	if _, ok := raw["restricted_activities"]; ok && uc.RestrictedActivities == nil {
		uc.RestrictedActivities = []string{}
	}
	if _, ok := raw["allowed_hours"]; ok && uc.AllowedHours == nil {
		uc.AllowedHours = map[string][]TimeRange{}
	}
	return uc, nil
}

// Save atomically writes the user's policy and returns the new marker.
func (s *Store) Save(user string, snap Snapshot) (time.Time, error) {
	path, err := s.path(user)
	if err != nil {
		return time.Time{}, err
	}
	data, err := toml.Marshal(snap.UserConfig())
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
	return s.Modified(user)
}

// Modified returns the last-modified marker of the user's policy file.
func (s *Store) Modified(user string) (time.Time, error) {
	path, err := s.path(user)
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
