package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/errand/internal/llm"
)

// Tool pairs an MCP tool definition with its handler. The same value is
// offered to the completion endpoint (as a function schema) and to an MCP
// server.
type Tool struct {
	Spec    mcp.Tool
	Handler server.ToolHandlerFunc
}

// Outcome is the result of a single tool invocation.
type Outcome struct {
	Success bool
	Payload any
	Error   string
}

// Registry is a closed, ordered set of tools. Tools are registered once at
// construction; lookups are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	order  []string
	logger *slog.Logger
}

// NewRegistry returns a registry holding the given tools.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{
		tools:  make(map[string]Tool, len(tools)),
		logger: slog.Default(),
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool. Empty and duplicate names are rejected.
func (r *Registry) Register(t Tool) error {
	name := strings.TrimSpace(t.Spec.Name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q has no handler", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Has reports whether a tool with the given name exists.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Invoke runs the named tool with the given arguments. It never returns an
// error: unknown tools, handler errors, error results and panics all come
// back as a failed Outcome.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (out Outcome) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Outcome{Error: fmt.Sprintf("unknown tool: %s", name)}
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", p)
			out = Outcome{Error: fmt.Sprintf("tool %s panicked: %v", name, p)}
		}
	}()

	if args == nil {
		args = map[string]any{}
	}
	req := mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	}
	res, err := t.Handler(ctx, req)
	if err != nil {
		return Outcome{Error: err.Error()}
	}
	return outcomeFromResult(res)
}

// Schemas renders the registered tools as function schemas for the
// completion endpoint.
func (r *Registry) Schemas() []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]llm.Tool, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		params, err := inputSchema(t.Spec)
		if err != nil {
			r.logger.Warn("skipping tool with invalid schema", "tool", name, "error", err)
			continue
		}
		out = append(out, llm.Tool{
			Type: "function",
			Function: llm.FunctionSpec{
				Name:        name,
				Description: t.Spec.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// ServerTools exposes the registered tools for server.MCPServer.AddTools.
func (r *Registry) ServerTools() []server.ServerTool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]server.ServerTool, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, server.ServerTool{Tool: t.Spec, Handler: t.Handler})
	}
	return out
}

func inputSchema(spec mcp.Tool) (json.RawMessage, error) {
	if len(spec.RawInputSchema) > 0 {
		return spec.RawInputSchema, nil
	}
	b, err := json.Marshal(spec.InputSchema)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func outcomeFromResult(res *mcp.CallToolResult) Outcome {
	if res == nil {
		return Outcome{Success: true}
	}
	text := resultText(res)
	if res.IsError {
		return Outcome{Error: errorText(text)}
	}
	if res.StructuredContent != nil {
		return Outcome{Success: true, Payload: res.StructuredContent}
	}
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		return Outcome{Success: true, Payload: decoded}
	}
	return Outcome{Success: true, Payload: text}
}

func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// errorText unwraps {"error": "..."} payloads so the observation carries
// the message itself.
func errorText(text string) string {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err == nil {
		if msg, ok := obj["error"].(string); ok && msg != "" {
			return msg
		}
	}
	if text == "" {
		return "tool failed"
	}
	return text
}
