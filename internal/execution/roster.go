package execution

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Roster is the persisted list of execution agent names, in creation
// order.
type Roster struct {
	mu     sync.Mutex
	path   string
	agents []string
}

// OpenRoster loads the roster at path, creating an empty one when the file
// does not exist.
func OpenRoster(path string) (*Roster, error) {
	r := &Roster{path: path}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Roster) load() error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		r.agents = nil
		return r.save()
	}
	if err != nil {
		return fmt.Errorf("reading roster: %w", err)
	}
	var agents []string
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &agents); err != nil {
			return fmt.Errorf("parsing roster %s: %w", r.path, err)
		}
	}
	r.agents = agents
	return nil
}

// Add appends name unless it is already present. It reports whether the
// agent is new.
func (r *Roster) Add(name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agents {
		if a == name {
			return false, nil
		}
	}
	r.agents = append(r.agents, name)
	if err := r.save(); err != nil {
		r.agents = r.agents[:len(r.agents)-1]
		return false, err
	}
	return true, nil
}

// Has reports whether name is on the roster.
func (r *Roster) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agents {
		if a == name {
			return true
		}
	}
	return false
}

// Agents returns a copy of the roster.
func (r *Roster) Agents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.agents...)
}

// Clear forgets every agent and removes the roster file.
func (r *Roster) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = nil
	if err := os.Remove(r.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing roster: %w", err)
	}
	return nil
}

func (r *Roster) save() error {
	agents := r.agents
	if agents == nil {
		agents = []string{}
	}
	data, err := json.MarshalIndent(agents, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("creating roster dir: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing roster: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replacing roster: %w", err)
	}
	return nil
}
