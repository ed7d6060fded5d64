// Package agent runs the bounded tool-calling loop shared by the
// interaction and execution agents.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/errand/internal/llm"
	"github.com/kalambet/errand/internal/tools"
)

// DefaultMaxIterations bounds the number of completion rounds per run.
const DefaultMaxIterations = 8

// ErrIterationLimit is returned when the model keeps requesting tools past
// the iteration bound.
var ErrIterationLimit = errors.New("reached tool iteration limit without final response")

// Call describes one tool invocation and its outcome. It is handed to the
// run's Observer before the next invocation starts.
type Call struct {
	ID        string
	Name      string
	Arguments map[string]any
	Outcome   tools.Outcome
}

// RawArguments returns the arguments as compact JSON.
func (c Call) RawArguments() string {
	b, err := json.Marshal(c.Arguments)
	if err != nil {
		return fmt.Sprintf("%v", c.Arguments)
	}
	return string(b)
}

// Observer receives every tool invocation of a run.
type Observer func(ctx context.Context, call Call)

// Run is a single loop invocation.
type Run struct {
	// Label identifies the run in log lines.
	Label    string
	System   string
	Messages []llm.Message
	Tools    *tools.Registry
	CacheKey string
	Observer Observer
}

// Result is the outcome of a loop that terminated with a final answer.
type Result struct {
	// Text is the content of the final assistant message (may be empty).
	Text string
	// LastText is the last non-empty assistant content across all rounds.
	LastText  string
	ToolsUsed []string
	Messages  []llm.Message
	Rounds    int
}

// Loop drives request -> inspect -> dispatch -> observe rounds against a
// completion endpoint.
type Loop struct {
	llm           llm.Completer
	model         string
	maxIterations int
	logger        *slog.Logger
}

// NewLoop creates a loop. A non-positive maxIterations selects
// DefaultMaxIterations.
func NewLoop(c llm.Completer, model string, maxIterations int) *Loop {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Loop{
		llm:           c,
		model:         model,
		maxIterations: maxIterations,
		logger:        slog.Default(),
	}
}

// Execute runs the loop until the model answers without tool calls or the
// iteration bound is exceeded. Tool failures never end the run; they are
// fed back to the model as error observations.
func (l *Loop) Execute(ctx context.Context, run Run) (Result, error) {
	messages := append([]llm.Message(nil), run.Messages...)
	var schemas []llm.Tool
	if run.Tools != nil {
		schemas = run.Tools.Schemas()
	}

	var res Result
	for round := 1; round <= l.maxIterations; round++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		l.logger.Debug("requesting completion", "run", run.Label, "round", round, "tools", len(schemas))

		resp, err := l.llm.Complete(ctx, llm.Request{
			Model:    l.model,
			System:   run.System,
			Messages: messages,
			Tools:    schemas,
			CacheKey: run.CacheKey,
		})
		if err != nil {
			return res, err
		}
		msg := resp.Message()
		res.Rounds = round

		assistant := llm.Message{Role: "assistant", Content: msg.Content, ToolCalls: msg.ToolCalls}
		messages = append(messages, assistant)
		if strings.TrimSpace(msg.Content) != "" {
			res.LastText = msg.Content
		}

		if len(msg.ToolCalls) == 0 {
			res.Text = msg.Content
			res.Messages = messages
			return res, nil
		}

		for _, tc := range msg.ToolCalls {
			call := l.dispatch(ctx, run, tc)
			if call.Name != "" {
				res.ToolsUsed = append(res.ToolsUsed, call.Name)
			}
			if run.Observer != nil {
				run.Observer(ctx, call)
			}
			messages = append(messages, toolMessage(call))
		}
	}

	res.Messages = messages
	l.logger.Warn("tool iteration limit reached", "run", run.Label, "limit", l.maxIterations)
	return res, ErrIterationLimit
}

func (l *Loop) dispatch(ctx context.Context, run Run, tc llm.ToolCall) Call {
	call := Call{ID: tc.ID, Name: strings.TrimSpace(tc.Function.Name), Arguments: map[string]any{}}

	if call.Name == "" {
		call.Outcome = tools.Outcome{Error: "Tool call missing name; unable to execute."}
		return call
	}

	args, err := ParseArguments(tc.Function.Arguments)
	if err != nil {
		l.logger.Warn("invalid tool arguments", "run", run.Label, "tool", call.Name, "error", err)
		call.Outcome = tools.Outcome{Error: err.Error()}
		return call
	}
	call.Arguments = args

	if run.Tools == nil || !run.Tools.Has(call.Name) {
		call.Outcome = tools.Outcome{Error: "Unknown tool: " + call.Name}
		return call
	}

	l.logger.Info("executing tool", "run", run.Label, "tool", call.Name)
	call.Outcome = run.Tools.Invoke(ctx, call.Name, args)
	if !call.Outcome.Success {
		l.logger.Warn("tool failed", "run", run.Label, "tool", call.Name, "error", call.Outcome.Error)
	}
	return call
}

// ParseArguments accepts tool arguments as a JSON object or as a string
// holding a JSON object. Empty input yields an empty map.
func ParseArguments(raw json.RawMessage) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}, nil
	}

	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal([]byte(trimmed), &s); err != nil {
			return nil, fmt.Errorf("invalid json: %v", err)
		}
		if strings.TrimSpace(s) == "" {
			return map[string]any{}, nil
		}
		trimmed = s
	}

	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return nil, fmt.Errorf("invalid json: %v", err)
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, errors.New("decoded arguments were not an object")
	}
	return obj, nil
}

// Observation renders a call as the JSON content of a tool message.
func Observation(call Call) string {
	name := call.Name
	if name == "" {
		name = "<unknown>"
	}
	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	obs := map[string]any{"tool": name, "arguments": args}
	if call.Outcome.Success {
		obs["status"] = "success"
		obs["result"] = call.Outcome.Payload
	} else {
		obs["status"] = "error"
		obs["error"] = call.Outcome.Error
	}
	b, err := json.Marshal(obs)
	if err != nil {
		return fmt.Sprintf(`{"tool":%q,"status":"error","error":"unencodable result"}`, name)
	}
	return string(b)
}

func toolMessage(call Call) llm.Message {
	id := call.ID
	if id == "" {
		id = call.Name
	}
	if id == "" {
		id = "unknown_tool"
	}
	return llm.Message{
		Role:       "tool",
		Content:    Observation(call),
		ToolCallID: id,
		Name:       call.Name,
	}
}
