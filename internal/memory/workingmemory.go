// Package memory maintains the bounded working memory of the
// conversation: a rolling summary plus the entries not yet folded into it.
package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/errand/internal/transcript"
)

const (
	tagSummaryInfo = "summary_info"
	tagSummary     = "conversation_summary"
)

// State is the persisted working memory. Entries holds the raw transcript
// entries with an index above LastIndex at the time the state was written.
type State struct {
	Summary   string
	LastIndex int
	UpdatedAt *time.Time
	Entries   []transcript.Entry
}

// EmptyState is the state of a fresh working memory.
func EmptyState() State {
	return State{LastIndex: -1}
}

type summaryInfo struct {
	LastIndex int     `json:"last_index"`
	UpdatedAt *string `json:"updated_at"`
}

// WorkingMemory is the working-memory file: a summary_info line, a
// conversation_summary line, then the unfolded entries. Folds rewrite the
// file through a temporary file and a rename.
type WorkingMemory struct {
	mu   sync.Mutex
	path string
}

// NewWorkingMemory opens the file at path, initializing it when missing
// or empty.
func NewWorkingMemory(path string) (*WorkingMemory, error) {
	w := &WorkingMemory{path: path}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.initLocked(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WorkingMemory) Path() string { return w.path }

func (w *WorkingMemory) initLocked() error {
	if info, err := os.Stat(w.path); err == nil && info.Size() > 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("creating working memory dir: %w", err)
	}
	data, err := encodeState(EmptyState())
	if err != nil {
		return err
	}
	if err := os.WriteFile(w.path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("initializing working memory: %w", err)
	}
	return nil
}

// Append adds an unfolded entry to the end of the file.
func (w *WorkingMemory) Append(e transcript.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening working memory: %w", err)
	}
	if _, err := f.WriteString(transcript.FormatLine(e.Tag, e.Timestamp, e.Payload)); err != nil {
		f.Close()
		return fmt.Errorf("appending to working memory: %w", err)
	}
	return f.Close()
}

// Load reads the persisted state. A missing file reads as EmptyState.
func (w *WorkingMemory) Load() (State, error) {
	w.mu.Lock()
	data, err := os.ReadFile(w.path)
	w.mu.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return EmptyState(), nil
		}
		return State{}, fmt.Errorf("reading working memory: %w", err)
	}

	state := EmptyState()
	for _, line := range strings.Split(string(data), "\n") {
		e, ok := transcript.ParseLine(line)
		if !ok {
			continue
		}
		switch e.Tag {
		case tagSummaryInfo:
			var info summaryInfo
			if err := json.Unmarshal([]byte(e.Payload), &info); err != nil {
				continue
			}
			state.LastIndex = info.LastIndex
			if info.UpdatedAt != nil {
				if t, err := time.Parse(time.RFC3339Nano, *info.UpdatedAt); err == nil {
					state.UpdatedAt = &t
				}
			}
		case tagSummary:
			state.Summary = e.Payload
		default:
			e.Index = -1
			state.Entries = append(state.Entries, e)
		}
	}
	return state, nil
}

// Write replaces the file with s.
func (w *WorkingMemory) Write(s State) error {
	data, err := encodeState(s)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(data), 0o644); err != nil {
		return fmt.Errorf("writing working memory: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing working memory: %w", err)
	}
	return nil
}

// Clear resets the file to an empty state.
func (w *WorkingMemory) Clear() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := os.Remove(w.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clearing working memory: %w", err)
	}
	return w.initLocked()
}

// Render returns the prompt text for s: the summary, when present,
// followed by the unfolded entries.
func Render(s State) string {
	var parts []string
	if summary := strings.TrimSpace(s.Summary); summary != "" {
		parts = append(parts, transcript.RenderEntry(transcript.Entry{Tag: tagSummary, Payload: summary}))
	}
	for _, e := range s.Entries {
		parts = append(parts, transcript.RenderEntry(e))
	}
	return strings.Join(parts, "\n")
}

func encodeState(s State) (string, error) {
	info := summaryInfo{LastIndex: s.LastIndex}
	if s.UpdatedAt != nil {
		ts := s.UpdatedAt.UTC().Format(time.RFC3339Nano)
		info.UpdatedAt = &ts
	}
	meta, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("encoding summary info: %w", err)
	}

	var b strings.Builder
	b.WriteString(transcript.FormatLine(tagSummaryInfo, "", string(meta)))
	b.WriteString(transcript.FormatLine(tagSummary, "", s.Summary))
	for _, e := range s.Entries {
		b.WriteString(transcript.FormatLine(e.Tag, e.Timestamp, e.Payload))
	}
	return b.String(), nil
}
