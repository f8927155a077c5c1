// Package profile holds the per-package target frame rates and keeps them in
// sync with the profile file on disk.
package profile

import (
	"errors"
	"fmt"
	"maps"
	"sync"

	"gopkg.in/yaml.v3"
)

// Data is the on-disk profile document.
type Data struct {
	Config   Config            `yaml:"config" json:"config"`
	GameList map[string]uint32 `yaml:"game_list" json:"game_list"`
}

// Config holds profile-wide switches.
type Config struct {
	// KeepStd makes packages missing from the user list fall back to the
	// standard profile.
	KeepStd bool `yaml:"keep_std" json:"keep_std"`
}

// Parse decodes and validates a profile document.
func Parse(raw []byte) (Data, error) {
	var data Data
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return Data{}, fmt.Errorf("decode profile: %w", err)
	}
	var errs []error
	for pkg, fps := range data.GameList {
		if pkg == "" {
			errs = append(errs, errors.New("empty package name"))
		}
		if fps == 0 {
			errs = append(errs, fmt.Errorf("package %q: target fps must be > 0", pkg))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return Data{}, err
	}
	if data.GameList == nil {
		data.GameList = map[string]uint32{}
	}
	return data, nil
}

// Store is a read-mostly view of the active profile.
type Store struct {
	mu   sync.RWMutex
	user Data
	std  Data
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// TargetFPS returns the target frame rate for pkg.
func (s *Store) TargetFPS(pkg string) (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if fps, ok := s.user.GameList[pkg]; ok {
		return fps, true
	}
	if s.user.Config.KeepStd {
		if fps, ok := s.std.GameList[pkg]; ok {
			return fps, true
		}
	}
	return 0, false
}

// Snapshot returns a copy of the active user profile.
func (s *Store) Snapshot() Data {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Data{Config: s.user.Config, GameList: maps.Clone(s.user.GameList)}
}

func (s *Store) setUser(data Data) {
	s.mu.Lock()
	s.user = data
	s.mu.Unlock()
}

func (s *Store) setStd(data Data) {
	s.mu.Lock()
	s.std = data
	s.mu.Unlock()
}
