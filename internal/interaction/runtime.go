// Package interaction runs the conversational agent: it turns user
// messages and execution digests into tool-using turns over the shared
// conversation log.
package interaction

import (
	"context"
	"html"
	"log/slog"
	"strings"
	"sync"

	"github.com/kalambet/errand/internal/agent"
	"github.com/kalambet/errand/internal/execution"
	"github.com/kalambet/errand/internal/llm"
	"github.com/kalambet/errand/internal/prompts"
)

// CacheKey is the prompt cache key shared by every interaction turn.
const CacheKey = "interaction_agent_v1"

// Conversation is the log a turn reads and writes. Implemented by
// conversation.Conversation.
type Conversation interface {
	Transcript() (string, error)
	RecordUserMessage(ctx context.Context, content string) error
	RecordAgentMessage(ctx context.Context, content string) error
	RecordReply(ctx context.Context, content string) error
	RecordWait(ctx context.Context, reason string) error
}

// Roster tracks the execution agents the user has talked to. Implemented
// by execution.Roster.
type Roster interface {
	Add(name string) (bool, error)
	Agents() []string
}

// Dispatcher runs execution agents in batches. Implemented by
// execution.Aggregator.
type Dispatcher interface {
	Register(agentName, instructions string) execution.PendingDispatch
	Launch(ctx context.Context, id string) (execution.Result, error)
}

// Notifier receives the final answer of a turn.
type Notifier interface {
	Notify(ctx context.Context, text string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, text string)

func (f NotifierFunc) Notify(ctx context.Context, text string) { f(ctx, text) }

// Result is the outcome of one interaction turn.
type Result struct {
	Success    bool   `json:"success"`
	Response   string `json:"response"`
	Error      string `json:"error,omitempty"`
	AgentsUsed int    `json:"execution_agents_used"`
}

// Config tunes a Runtime.
type Config struct {
	Model         string
	MaxIterations int
}

// Runtime handles interaction turns.
type Runtime struct {
	llm        llm.Completer
	conv       Conversation
	roster     Roster
	dispatcher Dispatcher
	catalog    prompts.Catalog
	cfg        Config
	logger     *slog.Logger

	mu       sync.RWMutex
	notifier Notifier
	wg       sync.WaitGroup
}

// NewRuntime creates a Runtime.
func NewRuntime(c llm.Completer, conv Conversation, roster Roster, dispatcher Dispatcher, catalog prompts.Catalog, cfg Config) *Runtime {
	return &Runtime{
		llm:        c,
		conv:       conv,
		roster:     roster,
		dispatcher: dispatcher,
		catalog:    catalog,
		cfg:        cfg,
		logger:     slog.Default(),
	}
}

// SetNotifier installs the receiver of final answers. nil disables
// notification.
func (r *Runtime) SetNotifier(n Notifier) {
	r.mu.Lock()
	r.notifier = n
	r.mu.Unlock()
}

// HandleUserMessage runs a turn for a message typed by the user and
// returns its outcome.
func (r *Runtime) HandleUserMessage(ctx context.Context, text string) Result {
	r.wg.Add(1)
	defer r.wg.Done()
	return r.handle(ctx, text, false)
}

// Submit starts a user turn in the background. Wait covers it.
func (r *Runtime) Submit(ctx context.Context, text string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if res := r.handle(context.WithoutCancel(ctx), text, false); !res.Success {
			r.logger.Error("interaction turn for user message failed", "error", res.Error)
		}
	}()
}

// HandleAgentMessage runs a turn for a digest produced by execution
// agents.
func (r *Runtime) HandleAgentMessage(ctx context.Context, digest string) Result {
	return r.handle(ctx, digest, true)
}

// Deliver implements execution.Sink: every drained batch becomes a new
// agent-message turn. The turn runs in the background and Wait covers it.
func (r *Runtime) Deliver(ctx context.Context, digest string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if res := r.handle(context.WithoutCancel(ctx), digest, true); !res.Success {
			r.logger.Error("interaction turn for agent digest failed", "error", res.Error)
		}
	}()
}

// Wait blocks until every tracked turn and the dispatches they started
// have finished. Callers must stop new submissions first.
func (r *Runtime) Wait() {
	r.wg.Wait()
}

func (r *Runtime) handle(ctx context.Context, text string, fromAgent bool) Result {
	history, err := r.conv.Transcript()
	if err != nil {
		return r.fail(fromAgent, err)
	}

	record := r.conv.RecordUserMessage
	if fromAgent {
		record = r.conv.RecordAgentMessage
	}
	if err := record(ctx, text); err != nil {
		return r.fail(fromAgent, err)
	}

	t := &turn{rt: r}
	registry, err := t.registry()
	if err != nil {
		return r.fail(fromAgent, err)
	}

	if fromAgent {
		r.logger.Info("processing execution agent results")
	} else {
		r.logger.Info("processing user message")
	}
	loop := agent.NewLoop(r.llm, r.cfg.Model, r.cfg.MaxIterations)
	res, err := loop.Execute(ctx, agent.Run{
		Label:    "interaction",
		System:   r.catalog.Interaction,
		Messages: []llm.Message{{Role: "user", Content: BuildMessage(history, r.roster.Agents(), text, fromAgent)}},
		Tools:    registry,
		CacheKey: CacheKey,
	})
	if err != nil {
		return r.fail(fromAgent, err)
	}

	userMessages, agents := t.snapshot()
	final := strings.TrimSpace(res.LastText)
	if len(userMessages) > 0 {
		final = userMessages[len(userMessages)-1]
	}
	if final == "" {
		r.logger.Warn("interaction loop exited without assistant content")
	}
	if final != "" && len(userMessages) == 0 {
		if err := r.conv.RecordReply(ctx, final); err != nil {
			r.logger.Warn("failed to record reply", "error", err)
		}
	}
	if final != "" {
		r.notify(ctx, final)
	}

	return Result{Success: true, Response: final, AgentsUsed: agents}
}

func (r *Runtime) fail(fromAgent bool, err error) Result {
	kind := "user message"
	if fromAgent {
		kind = "agent message"
	}
	r.logger.Error("interaction agent failed", "turn", kind, "error", err)
	return Result{Success: false, Error: err.Error()}
}

func (r *Runtime) notify(ctx context.Context, text string) {
	r.mu.RLock()
	n := r.notifier
	r.mu.RUnlock()
	if n != nil {
		n.Notify(ctx, text)
	}
}

// BuildMessage composes the user message of a turn from the conversation
// history, the active agents and the new message.
func BuildMessage(history string, agents []string, text string, fromAgent bool) string {
	h := strings.TrimSpace(history)
	if h == "" {
		h = "None"
	}

	active := "None"
	if len(agents) > 0 {
		lines := make([]string, len(agents))
		for i, name := range agents {
			if name == "" {
				name = "agent"
			}
			lines[i] = `<agent name="` + html.EscapeString(name) + `" />`
		}
		active = strings.Join(lines, "\n")
	}

	tag := "new_user_message"
	if fromAgent {
		tag = "new_agent_message"
	}

	return strings.Join([]string{
		"<conversation_history>\n" + h + "\n</conversation_history>",
		"<active_agents>\n" + active + "\n</active_agents>",
		"<" + tag + ">\n" + strings.TrimSpace(text) + "\n</" + tag + ">",
	}, "\n\n")
}
