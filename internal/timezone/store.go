// Package timezone persists the user's preferred IANA time zone.
package timezone

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Default is used when no zone has been stored.
const Default = "UTC"

// ErrEmpty is returned by Set for a blank zone name.
var ErrEmpty = errors.New("timezone must be a non-empty string")

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Store keeps a single zone name in a text file and caches it in memory.
type Store struct {
	path   string
	clock  Clock
	logger *slog.Logger

	mu     sync.RWMutex
	cached string
}

// Open loads the stored zone from path. A missing file means no preference.
func Open(path string) *Store {
	s := &Store{path: path, clock: realClock{}, logger: slog.Default()}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		s.cached = strings.TrimSpace(string(data))
	case !errors.Is(err, os.ErrNotExist):
		s.logger.Warn("failed to read timezone file", "path", path, "error", err)
	}
	return s
}

// NewStoreWithClock creates a Store with a custom clock (for testing).
func NewStoreWithClock(path string, clock Clock) *Store {
	s := Open(path)
	s.clock = clock
	return s
}

// Get returns the stored zone name, or def when none is stored.
func (s *Store) Get(def string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cached == "" {
		return def
	}
	return s.cached
}

// Set validates and persists name.
func (s *Store) Set(name string) error {
	candidate := strings.TrimSpace(name)
	if candidate == "" {
		return ErrEmpty
	}
	if _, err := time.LoadLocation(candidate); err != nil {
		return fmt.Errorf("unknown timezone: %s", candidate)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating timezone directory: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(candidate), 0o644); err != nil {
		return fmt.Errorf("writing timezone: %w", err)
	}
	s.cached = candidate
	s.logger.Info("updated timezone preference", "timezone", candidate)
	return nil
}

// Clear forgets the stored zone.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = ""
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clearing timezone: %w", err)
	}
	return nil
}

// Location resolves the stored zone, falling back to UTC when the stored
// name no longer loads.
func (s *Store) Location() *time.Location {
	name := s.Get(Default)
	loc, err := time.LoadLocation(name)
	if err != nil {
		s.logger.Warn("unknown timezone; defaulting to UTC", "timezone", name)
		return time.UTC
	}
	return loc
}

// Now returns the current time in the stored zone.
func (s *Store) Now() time.Time {
	return s.clock.Now().In(s.Location())
}
