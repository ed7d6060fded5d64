package transcript

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Log is an append-only transcript file. Entries are never rewritten; the
// only mutation besides Append is Clear.
type Log struct {
	mu    sync.Mutex
	path  string
	clock Clock
}

// NewLog returns a log stored at path. A nil clock uses the local time.
func NewLog(path string, clock Clock) *Log {
	if clock == nil {
		clock = realClock{}
	}
	return &Log{path: path, clock: clock}
}

// Path returns the file backing the log.
func (l *Log) Path() string { return l.path }

// Append writes one entry stamped with the clock's wall time. The returned
// entry carries no index; indices are derived on read.
func (l *Log) Append(tag, payload string) (Entry, error) {
	e := Entry{Tag: tag, Timestamp: l.clock.Now().Format(TimestampLayout), Payload: payload, Index: -1}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := appendLine(l.path, FormatLine(e.Tag, e.Timestamp, e.Payload)); err != nil {
		return Entry{}, fmt.Errorf("appending %s entry: %w", tag, err)
	}
	return e, nil
}

// Entries reads every parseable line. Unparseable lines are skipped and do
// not consume an index.
func (l *Log) Entries() ([]Entry, error) {
	l.mu.Lock()
	data, err := os.ReadFile(l.path)
	l.mu.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading transcript: %w", err)
	}
	return parseLines(string(data)), nil
}

// Render returns the whole log as prompt text.
func (l *Log) Render() (string, error) {
	entries, err := l.Entries()
	if err != nil {
		return "", err
	}
	return Render(entries), nil
}

// Clear removes the log file.
func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clearing transcript: %w", err)
	}
	return nil
}

func appendLine(path, line string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
