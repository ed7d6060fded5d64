package transcript

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Tags written to execution agent journals.
const (
	TagAgentRequest  = "agent_request"
	TagAgentAction   = "agent_action"
	TagToolResponse  = "tool_response"
	TagAgentResponse = "agent_response"
)

// AgentLogs keeps one append-only journal per execution agent, each in
// its own file named after the agent's slug.
type AgentLogs struct {
	dir   string
	clock Clock

	mu   sync.Mutex
	logs map[string]*Log
}

func NewAgentLogs(dir string, clock Clock) *AgentLogs {
	if clock == nil {
		clock = realClock{}
	}
	return &AgentLogs{dir: dir, clock: clock, logs: make(map[string]*Log)}
}

// Slug maps an agent name to a filesystem-safe name.
func Slug(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteByte('-')
		}
	}
	slug := b.String()
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "agent"
	}
	return slug
}

func (a *AgentLogs) logFor(agent string) *Log {
	slug := Slug(agent)
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.logs[slug]
	if !ok {
		l = NewLog(filepath.Join(a.dir, slug+".log"), a.clock)
		a.logs[slug] = l
	}
	return l
}

func (a *AgentLogs) RecordRequest(agent, instructions string) error {
	_, err := a.logFor(agent).Append(TagAgentRequest, instructions)
	return err
}

func (a *AgentLogs) RecordAction(agent, description string) error {
	_, err := a.logFor(agent).Append(TagAgentAction, description)
	return err
}

func (a *AgentLogs) RecordToolResponse(agent, tool, response string) error {
	_, err := a.logFor(agent).Append(TagToolResponse, tool+": "+response)
	return err
}

func (a *AgentLogs) RecordResponse(agent, response string) error {
	_, err := a.logFor(agent).Append(TagAgentResponse, response)
	return err
}

// Entries returns every entry of the agent's journal.
func (a *AgentLogs) Entries(agent string) ([]Entry, error) {
	return a.logFor(agent).Entries()
}

// Transcript renders the agent's journal. When limit is positive only the
// last limit requests, with everything recorded after each of them, are
// kept.
func (a *AgentLogs) Transcript(agent string, limit int) (string, error) {
	entries, err := a.Entries(agent)
	if err != nil {
		return "", err
	}
	if limit > 0 {
		kept := 0
		for i := len(entries) - 1; i >= 0; i-- {
			if entries[i].Tag != TagAgentRequest {
				continue
			}
			kept++
			if kept == limit {
				entries = entries[i:]
				break
			}
		}
	}
	return Render(entries), nil
}

// Recent returns the last n entries of the agent's journal.
func (a *AgentLogs) Recent(agent string, n int) ([]Entry, error) {
	entries, err := a.Entries(agent)
	if err != nil {
		return nil, err
	}
	if n >= 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// Agents lists the slugs of agents that have a journal, sorted.
func (a *AgentLogs) Agents() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(a.dir, "*.log"))
	if err != nil {
		return nil, err
	}
	slugs := make([]string, 0, len(matches))
	for _, m := range matches {
		slugs = append(slugs, strings.TrimSuffix(filepath.Base(m), ".log"))
	}
	sort.Strings(slugs)
	return slugs, nil
}

// ClearAll deletes every agent journal.
func (a *AgentLogs) ClearAll() error {
	matches, err := filepath.Glob(filepath.Join(a.dir, "*.log"))
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range matches {
		slug := strings.TrimSuffix(filepath.Base(m), ".log")
		a.mu.Lock()
		l, ok := a.logs[slug]
		a.mu.Unlock()
		if ok {
			errs = append(errs, l.Clear())
			continue
		}
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("clearing agent logs: %w", err)
	}
	return nil
}
