// Package conversation records the interaction agent's conversation and
// serves it back as prompt context and chat history.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/errand/internal/memory"
	"github.com/kalambet/errand/internal/transcript"
)

// Conversation tags.
const (
	TagUserMessage  = "user_message"
	TagAgentMessage = "agent_message"
	TagReply        = "assistant_reply"
	TagWait         = "wait"
)

// Message is a user-visible chat message.
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Conversation pairs the raw append-only log with the working memory.
// Every record goes to both, and summarization commits are serialized
// with records so no entry is lost between a fold's read and its write.
type Conversation struct {
	mu         sync.Mutex
	raw        *transcript.Log
	memory     *memory.WorkingMemory
	summarizer *memory.Summarizer
	logger     *slog.Logger
}

// Open creates a conversation stored under dir. The summarizer may be
// nil, which disables folding.
func Open(dir string, clock transcript.Clock, summarizer *memory.Summarizer) (*Conversation, error) {
	wm, err := memory.NewWorkingMemory(filepath.Join(dir, "working_memory.log"))
	if err != nil {
		return nil, err
	}
	return &Conversation{
		raw:        transcript.NewLog(filepath.Join(dir, "conversation.log"), clock),
		memory:     wm,
		summarizer: summarizer,
		logger:     slog.Default(),
	}, nil
}

// Path is the raw log file, for followers.
func (c *Conversation) Path() string { return c.raw.Path() }

func (c *Conversation) RecordUserMessage(ctx context.Context, content string) error {
	return c.record(ctx, TagUserMessage, content)
}

func (c *Conversation) RecordAgentMessage(ctx context.Context, content string) error {
	return c.record(ctx, TagAgentMessage, content)
}

// RecordReply records a message shown to the user.
func (c *Conversation) RecordReply(ctx context.Context, content string) error {
	return c.record(ctx, TagReply, content)
}

// RecordWait records a wait marker. Wait markers never reach the chat
// history.
func (c *Conversation) RecordWait(ctx context.Context, reason string) error {
	return c.record(ctx, TagWait, reason)
}

func (c *Conversation) record(ctx context.Context, tag, payload string) error {
	c.mu.Lock()
	e, err := c.raw.Append(tag, payload)
	if err == nil {
		err = c.memory.Append(e)
	}
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("recording %s: %w", tag, err)
	}

	c.summarizer.Schedule(ctx, c)
	return nil
}

// Transcript returns the conversation as prompt text: the working memory
// when summarization is on and it has content, otherwise the raw log.
func (c *Conversation) Transcript() (string, error) {
	if c.summarizer.Enabled() {
		st, err := c.memory.Load()
		if err != nil {
			return "", err
		}
		if rendered := memory.Render(st); strings.TrimSpace(rendered) != "" {
			return rendered, nil
		}
	}
	return c.raw.Render()
}

// History returns the user-visible messages in order.
func (c *Conversation) History() ([]Message, error) {
	entries, err := c.raw.Entries()
	if err != nil {
		return nil, err
	}
	messages := make([]Message, 0, len(entries))
	for _, e := range entries {
		switch e.Tag {
		case TagUserMessage:
			messages = append(messages, Message{Role: "user", Content: e.Payload, Timestamp: e.Timestamp})
		case TagReply:
			messages = append(messages, Message{Role: "assistant", Content: e.Payload, Timestamp: e.Timestamp})
		}
	}
	return messages, nil
}

// Clear truncates the raw log and resets the working memory.
func (c *Conversation) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return errors.Join(c.raw.Clear(), c.memory.Clear())
}

// Entries implements memory.Journal.
func (c *Conversation) Entries() ([]transcript.Entry, error) {
	return c.raw.Entries()
}

// State implements memory.Journal.
func (c *Conversation) State() (memory.State, error) {
	return c.memory.Load()
}

// Commit implements memory.Journal.
func (c *Conversation) Commit(summary string, cutoff int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.raw.Entries()
	if err != nil {
		return err
	}
	var remaining []transcript.Entry
	for _, e := range entries {
		if e.Index > cutoff {
			remaining = append(remaining, e)
		}
	}
	now := time.Now().UTC()
	return c.memory.Write(memory.State{
		Summary:   summary,
		LastIndex: cutoff,
		UpdatedAt: &now,
		Entries:   remaining,
	})
}

// WaitForSummaries blocks until background folds finish.
func (c *Conversation) WaitForSummaries() {
	if c.summarizer != nil {
		c.summarizer.Wait()
	}
}
