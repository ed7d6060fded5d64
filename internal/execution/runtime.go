// Package execution runs named execution agents: the per-agent tool loop,
// the batch aggregator that folds parallel dispatches into one digest, the
// roster of known agents and the trigger tools each agent is given.
package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"

	"github.com/kalambet/errand/internal/agent"
	"github.com/kalambet/errand/internal/llm"
	"github.com/kalambet/errand/internal/prompts"
	"github.com/kalambet/errand/internal/tools"
	"github.com/kalambet/errand/internal/transcript"
)

const (
	actionPreview   = 200
	responsePreview = 500
	noActionText    = "No action required."
)

// Result is the outcome of a single execution agent run.
type Result struct {
	AgentName string   `json:"agent_name"`
	Success   bool     `json:"success"`
	Response  string   `json:"response"`
	Error     string   `json:"error,omitempty"`
	ToolsUsed []string `json:"tools_used,omitempty"`
}

// Toolset builds the tool registry for a named agent.
type Toolset func(agentName string) (*tools.Registry, error)

// RuntimeConfig tunes a Runtime.
type RuntimeConfig struct {
	Model         string
	MaxIterations int

	// ConversationLimit caps the replayed requests. Zero replays the whole
	// journal.
	ConversationLimit int
}

// Runtime executes instructions on behalf of named agents.
type Runtime struct {
	llm     llm.Completer
	logs    *transcript.AgentLogs
	catalog prompts.Catalog
	toolset Toolset
	cfg     RuntimeConfig
	logger  *slog.Logger
}

// NewRuntime creates a Runtime. A nil toolset gives agents no tools.
func NewRuntime(c llm.Completer, logs *transcript.AgentLogs, catalog prompts.Catalog, toolset Toolset, cfg RuntimeConfig) *Runtime {
	if toolset == nil {
		toolset = func(string) (*tools.Registry, error) { return tools.NewRegistry() }
	}
	return &Runtime{
		llm:     c,
		logs:    logs,
		catalog: catalog,
		toolset: toolset,
		cfg:     cfg,
		logger:  slog.Default(),
	}
}

// Execute runs one round of instructions for agentName. Failures are
// reported through the returned Result, never as a Go error.
func (r *Runtime) Execute(ctx context.Context, agentName, instructions string) Result {
	history, err := r.logs.Transcript(agentName, r.cfg.ConversationLimit)
	if err != nil {
		r.logger.Warn("failed to load agent history", "agent", agentName, "error", err)
		history = ""
	}
	if err := r.logs.RecordRequest(agentName, instructions); err != nil {
		r.logger.Warn("failed to record agent request", "agent", agentName, "error", err)
	}

	registry, err := r.toolset(agentName)
	if err != nil {
		return r.fail(agentName, nil, fmt.Errorf("building tools: %w", err))
	}

	loop := agent.NewLoop(r.llm, r.cfg.Model, r.cfg.MaxIterations)
	res, err := loop.Execute(ctx, agent.Run{
		Label:    agentName,
		System:   r.catalog.ExecutionFor(agentName),
		Messages: []llm.Message{{Role: "user", Content: FirstMessage(history, instructions)}},
		Tools:    registry,
		CacheKey: CacheKey(agentName),
		Observer: r.observe(agentName),
	})
	if err != nil {
		return r.fail(agentName, res.ToolsUsed, err)
	}

	final := strings.TrimSpace(res.Text)
	if final == "" {
		final = noActionText
	}
	if err := r.logs.RecordResponse(agentName, final); err != nil {
		r.logger.Warn("failed to record agent response", "agent", agentName, "error", err)
	}
	return Result{
		AgentName: agentName,
		Success:   true,
		Response:  final,
		ToolsUsed: res.ToolsUsed,
	}
}

func (r *Runtime) fail(agentName string, used []string, err error) Result {
	r.logger.Error("execution agent failed", "agent", agentName, "error", err)
	if rerr := r.logs.RecordResponse(agentName, "Error: "+err.Error()); rerr != nil {
		r.logger.Warn("failed to record agent response", "agent", agentName, "error", rerr)
	}
	return Result{
		AgentName: agentName,
		Success:   false,
		Response:  "Failed to complete task: " + err.Error(),
		Error:     err.Error(),
		ToolsUsed: used,
	}
}

func (r *Runtime) observe(agentName string) agent.Observer {
	return func(ctx context.Context, call agent.Call) {
		if call.Name == "" {
			return
		}
		action := fmt.Sprintf("Calling %s with: %s", call.Name, truncate(call.RawArguments(), actionPreview))
		if err := r.logs.RecordAction(agentName, action); err != nil {
			r.logger.Warn("failed to record agent action", "agent", agentName, "error", err)
		}
		if err := r.logs.RecordToolResponse(agentName, call.Name, truncate(outcomeText(call.Outcome), responsePreview)); err != nil {
			r.logger.Warn("failed to record tool response", "agent", agentName, "error", err)
		}
	}
}

// FirstMessage builds the opening user message of a run.
func FirstMessage(history, instructions string) string {
	var b strings.Builder
	if h := strings.TrimSpace(history); h != "" {
		b.WriteString("<execution_history>\n")
		b.WriteString(h)
		b.WriteString("\n</execution_history>\n\n")
	}
	b.WriteString("<current_instruction>\n")
	b.WriteString(instructions)
	b.WriteString("\n</current_instruction>")
	return b.String()
}

// CacheKey returns the prompt cache key for agentName. It is stable across
// runs so repeated requests for the same agent share a cache entry.
func CacheKey(agentName string) string {
	h := fnv.New64a()
	h.Write([]byte(agentName))
	return fmt.Sprintf("execution_agent_%d_v1", h.Sum64())
}

func outcomeText(o tools.Outcome) string {
	if !o.Success {
		return o.Error
	}
	switch p := o.Payload.(type) {
	case nil:
		return "null"
	case string:
		return p
	}
	b, err := json.Marshal(o.Payload)
	if err != nil {
		return fmt.Sprintf("%v", o.Payload)
	}
	return string(b)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
