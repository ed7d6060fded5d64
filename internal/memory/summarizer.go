package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/kalambet/errand/internal/llm"
	"github.com/kalambet/errand/internal/transcript"
)

// Journal is the transcript a Summarizer folds. Commit must re-read the
// raw entries and persist those with an index above cutoff together with
// the new summary, atomically with respect to concurrent appends.
type Journal interface {
	Entries() ([]transcript.Entry, error)
	State() (State, error)
	Commit(summary string, cutoff int) error
}

// Settings control when a fold runs. Threshold entries are folded at a
// time once at least Threshold+Tail entries are unfolded. A non-positive
// threshold disables summarization.
type Settings struct {
	Model     string
	Threshold int
	Tail      int
}

// Summarizer folds old transcript entries into a rolling summary. At most
// one fold runs at a time; requests made during a fold are coalesced into
// one follow-up pass.
type Summarizer struct {
	llm      llm.Completer
	settings Settings
	logger   *slog.Logger

	mu      sync.Mutex
	pending bool
	running bool
	wg      sync.WaitGroup
}

func NewSummarizer(c llm.Completer, settings Settings) *Summarizer {
	if settings.Tail < 0 {
		settings.Tail = 0
	}
	return &Summarizer{
		llm:      c,
		settings: settings,
		logger:   slog.Default(),
	}
}

// Enabled reports whether folds can run at all.
func (s *Summarizer) Enabled() bool {
	return s != nil && s.settings.Threshold > 0
}

// Schedule requests a fold pass over j in the background.
func (s *Summarizer) Schedule(ctx context.Context, j Journal) {
	if !s.Enabled() {
		return
	}
	s.mu.Lock()
	s.pending = true
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.work(context.WithoutCancel(ctx), j)
}

func (s *Summarizer) work(ctx context.Context, j Journal) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if !s.pending {
			s.running = false
			s.mu.Unlock()
			return
		}
		s.pending = false
		s.mu.Unlock()

		if _, err := s.Fold(ctx, j); err != nil {
			s.logger.Error("summarization worker failed", "error", err)
		}
	}
}

// Wait blocks until no fold worker is running.
func (s *Summarizer) Wait() {
	s.wg.Wait()
}

// Fold runs one summarization pass. It reports whether the summary was
// replaced.
func (s *Summarizer) Fold(ctx context.Context, j Journal) (bool, error) {
	if !s.Enabled() {
		return false, nil
	}

	entries, err := j.Entries()
	if err != nil {
		return false, fmt.Errorf("reading transcript: %w", err)
	}
	state, err := j.State()
	if err != nil {
		return false, fmt.Errorf("reading working memory: %w", err)
	}

	var unfolded []transcript.Entry
	for _, e := range entries {
		if e.Index > state.LastIndex {
			unfolded = append(unfolded, e)
		}
	}
	if len(unfolded) < s.settings.Threshold+s.settings.Tail {
		return false, nil
	}

	batch := unfolded[:s.settings.Threshold]
	cutoff := batch[len(batch)-1].Index

	s.logger.Info("conversation summarization started",
		"entries_total", len(entries),
		"unsummarized", len(unfolded),
		"batch_size", len(batch),
		"last_index_before", state.LastIndex,
		"cutoff_index", cutoff,
	)

	summary, err := s.complete(ctx, BuildPrompt(state.Summary, batch))
	if err != nil {
		return false, err
	}

	if err := j.Commit(summary, cutoff); err != nil {
		return false, fmt.Errorf("committing summary: %w", err)
	}
	s.logger.Info("conversation summarization completed", "last_index_after", cutoff)
	return true, nil
}

// complete calls the model, retrying once on a completion error. Empty
// output counts as a failure so the previous summary is never blanked.
func (s *Summarizer) complete(ctx context.Context, p Prompt) (string, error) {
	var lastErr error
	for attempt := range 2 {
		resp, err := s.llm.Complete(ctx, llm.Request{
			Model:    s.settings.Model,
			System:   p.System,
			Messages: p.Messages,
		})
		if err == nil {
			if content := strings.TrimSpace(resp.Message().Content); content != "" {
				return content, nil
			}
			err = &llm.Error{Message: "response missing content"}
		}

		var llmErr *llm.Error
		if !errors.As(err, &llmErr) {
			return "", fmt.Errorf("summarization: %w", err)
		}
		lastErr = err
		if attempt == 0 {
			s.logger.Warn("conversation summarization attempt failed; retrying", "error", err)
		}
	}
	return "", fmt.Errorf("summarization: %w", lastErr)
}
