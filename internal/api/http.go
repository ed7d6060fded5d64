// Package api exposes errand over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/errand/internal/conversation"
	"github.com/kalambet/errand/internal/execution"
	"github.com/kalambet/errand/internal/interaction"
	"github.com/kalambet/errand/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// ChatRunner runs interaction turns. Implemented by interaction.Runtime.
type ChatRunner interface {
	HandleUserMessage(ctx context.Context, text string) interaction.Result
	// Submit starts a turn in the background and returns at once.
	Submit(ctx context.Context, text string)
}

// ChatLog is the read side of the conversation.
type ChatLog interface {
	History() ([]conversation.Message, error)
	Transcript() (string, error)
}

// TimezoneStore holds the user's timezone. Implemented by timezone.Store.
type TimezoneStore interface {
	Get(def string) string
	Set(name string) error
}

// TriggerLister lists stored triggers. An empty agent name lists all.
type TriggerLister interface {
	List(agentName string) ([]storage.Trigger, error)
}

// PendingLister reports running execution agents.
type PendingLister interface {
	Pending() []execution.PendingDispatch
}

// AgentLister reports known execution agents.
type AgentLister interface {
	Agents() []string
}

type Deps struct {
	Token        string
	Version      string
	Chat         ChatRunner
	Conversation ChatLog
	// Reset wipes conversation, agent logs, roster and triggers.
	Reset      func() error
	Timezone   TimezoneStore
	Triggers   TriggerLister
	Executions PendingLister
	Roster     AgentLister
}

// ChatMessage is a message of a /chat/send request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
}

// NewHandler returns the HTTP API. /health is public; every other route
// requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps.Version))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/chat/send", handleChatSend(deps))
		r.Get("/chat/history", handleChatHistory(deps))
		r.Delete("/chat/history", handleChatClear(deps))
		r.Get("/meta/timezone", handleGetTimezone(deps))
		r.Post("/meta/timezone", handleSetTimezone(deps))
		r.Get("/triggers", handleListTriggers(deps))
		r.Get("/executions/pending", handlePending(deps))
		r.Get("/agents", handleAgents(deps))
	})

	return r
}

func handleHealth(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "service": "errand", "version": version})
	}
}

func handleChatSend(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		text, ok := LatestUserMessage(req.Messages)
		if !ok {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "Missing user message")
			return
		}

		slog.Info("chat request", "message_length", len(text))
		deps.Chat.Submit(r.Context(), text)
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	}
}

// LatestUserMessage returns the trimmed content of the last non-empty
// user message.
func LatestUserMessage(messages []ChatMessage) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if strings.EqualFold(strings.TrimSpace(m.Role), "user") && strings.TrimSpace(m.Content) != "" {
			return strings.TrimSpace(m.Content), true
		}
	}
	return "", false
}

func handleChatHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		messages, err := deps.Conversation.History()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "server_error", "failed to load history: %v", err)
			return
		}
		if messages == nil {
			messages = []conversation.Message{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
	}
}

func handleChatClear(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Reset(); err != nil {
			httpError(w, http.StatusInternalServerError, "server_error", "failed to clear history: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func handleGetTimezone(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "timezone": deps.Timezone.Get("UTC")})
	}
}

func handleSetTimezone(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			Timezone string `json:"timezone"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := deps.Timezone.Set(req.Timezone); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "timezone": deps.Timezone.Get("UTC")})
	}
}

func handleListTriggers(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		triggers, err := deps.Triggers.List(r.URL.Query().Get("agent"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "server_error", "failed to list triggers: %v", err)
			return
		}
		views := make([]execution.TriggerView, len(triggers))
		for i, t := range triggers {
			views[i] = execution.ViewTrigger(t)
		}
		writeJSON(w, http.StatusOK, map[string]any{"triggers": views})
	}
}

func handlePending(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"pending": deps.Executions.Pending()})
	}
}

func handleAgents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agents := deps.Roster.Agents()
		if agents == nil {
			agents = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
