package interaction

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/errand/internal/execution"
	"github.com/kalambet/errand/internal/llm"
	"github.com/kalambet/errand/internal/prompts"
)

type entry struct{ tag, payload string }

type fakeConversation struct {
	mu         sync.Mutex
	entries    []entry
	transcript string
	failRecord error
}

func (f *fakeConversation) Transcript() (string, error) { return f.transcript, nil }

func (f *fakeConversation) add(tag, payload string) error {
	if f.failRecord != nil {
		return f.failRecord
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry{tag, payload})
	return nil
}

func (f *fakeConversation) RecordUserMessage(ctx context.Context, s string) error {
	return f.add("user_message", s)
}
func (f *fakeConversation) RecordAgentMessage(ctx context.Context, s string) error {
	return f.add("agent_message", s)
}
func (f *fakeConversation) RecordReply(ctx context.Context, s string) error {
	return f.add("assistant_reply", s)
}
func (f *fakeConversation) RecordWait(ctx context.Context, s string) error {
	return f.add("wait", s)
}

func (f *fakeConversation) tags() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.entries))
	for i, e := range f.entries {
		out[i] = e.tag
	}
	return out
}

type fakeRoster struct {
	mu     sync.Mutex
	agents []string
}

func (f *fakeRoster) Add(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.agents {
		if a == name {
			return false, nil
		}
	}
	f.agents = append(f.agents, name)
	return true, nil
}

func (f *fakeRoster) Agents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.agents...)
}

type fakeDispatcher struct {
	mu         sync.Mutex
	registered []string
	launched   []string
	gate       chan struct{}
}

func (f *fakeDispatcher) Register(agentName, instructions string) execution.PendingDispatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, agentName)
	return execution.PendingDispatch{ID: agentName + "-id", AgentName: agentName, BatchID: "b1"}
}

func (f *fakeDispatcher) Launch(ctx context.Context, id string) (execution.Result, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, id)
	return execution.Result{AgentName: strings.TrimSuffix(id, "-id"), Success: true}, nil
}

type scriptedCompleter struct {
	mu        sync.Mutex
	responses []llm.Message
	requests  []llm.Request
	err       error
}

func (s *scriptedCompleter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	msg := llm.Message{Role: "assistant"}
	if len(s.responses) > 0 {
		msg, s.responses = s.responses[0], s.responses[1:]
	}
	return &llm.Response{Choices: []llm.Choice{{Message: msg}}}, nil
}

func toolCalls(calls ...[2]string) llm.Message {
	msg := llm.Message{Role: "assistant"}
	for i, c := range calls {
		msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
			ID:       "call_" + string(rune('a'+i)),
			Type:     "function",
			Function: llm.FunctionCall{Name: c[0], Arguments: json.RawMessage(c[1])},
		})
	}
	return msg
}

type fixture struct {
	conv     *fakeConversation
	roster   *fakeRoster
	dispatch *fakeDispatcher
	llm      *scriptedCompleter
	rt       *Runtime
	notified []string
}

func newFixture(responses ...llm.Message) *fixture {
	f := &fixture{
		conv:     &fakeConversation{},
		roster:   &fakeRoster{},
		dispatch: &fakeDispatcher{},
		llm:      &scriptedCompleter{responses: responses},
	}
	f.rt = NewRuntime(f.llm, f.conv, f.roster, f.dispatch, prompts.Default(), Config{Model: "m"})
	f.rt.SetNotifier(NotifierFunc(func(ctx context.Context, text string) {
		f.notified = append(f.notified, text)
	}))
	return f
}

func TestUserMessagePlainReply(t *testing.T) {
	f := newFixture(llm.Message{Role: "assistant", Content: "  Hello there.  "})
	res := f.rt.HandleUserMessage(context.Background(), "hi")

	if !res.Success || res.Response != "Hello there." {
		t.Fatalf("result = %+v", res)
	}
	if got := strings.Join(f.conv.tags(), ","); got != "user_message,assistant_reply" {
		t.Errorf("tags = %s", got)
	}
	if len(f.notified) != 1 || f.notified[0] != "Hello there." {
		t.Errorf("notified = %v", f.notified)
	}

	req := f.llm.requests[0]
	if req.CacheKey != CacheKey || req.System != prompts.Default().Interaction {
		t.Errorf("request cache key %q, system prompt mismatch", req.CacheKey)
	}
	want := "<conversation_history>\nNone\n</conversation_history>\n\n<active_agents>\nNone\n</active_agents>\n\n<new_user_message>\nhi\n</new_user_message>"
	if req.Messages[0].Content != want {
		t.Errorf("message =\n%s", req.Messages[0].Content)
	}
}

func TestSendMessageToUserWins(t *testing.T) {
	f := newFixture(
		toolCalls(
			[2]string{"send_message_to_user", `{"message":"first"}`},
			[2]string{"send_message_to_user", `{"message":"second"}`},
		),
		llm.Message{Role: "assistant", Content: "internal note"},
	)
	res := f.rt.HandleUserMessage(context.Background(), "hi")

	if res.Response != "second" {
		t.Errorf("Response = %q, want second", res.Response)
	}
	if got := strings.Join(f.conv.tags(), ","); got != "user_message,assistant_reply,assistant_reply" {
		t.Errorf("tags = %s (final answer must not be recorded twice)", got)
	}
	if len(f.notified) != 1 || f.notified[0] != "second" {
		t.Errorf("notified = %v", f.notified)
	}
}

func TestSendMessageToAgentDispatches(t *testing.T) {
	f := newFixture(
		toolCalls(
			[2]string{"send_message_to_agent", `{"agent_name":"Flights","instructions":"check"}`},
			[2]string{"send_message_to_agent", `{"agent_name":"Hotels","instructions":"book"}`},
			[2]string{"send_message_to_agent", `{"agent_name":"Flights","instructions":"again"}`},
		),
		toolCalls([2]string{"wait", `{"reason":"agents working"}`}),
	)
	f.roster.Add("Flights")

	res := f.rt.HandleUserMessage(context.Background(), "plan my trip")
	f.rt.Wait()

	if !res.Success || res.Response != "" || res.AgentsUsed != 2 {
		t.Errorf("result = %+v", res)
	}
	if got := strings.Join(f.dispatch.registered, ","); got != "Flights,Hotels,Flights" {
		t.Errorf("registered = %s", got)
	}
	if len(f.dispatch.launched) != 3 {
		t.Errorf("launched = %v", f.dispatch.launched)
	}
	if got := strings.Join(f.roster.Agents(), ","); got != "Flights,Hotels" {
		t.Errorf("roster = %s", got)
	}
	if got := strings.Join(f.conv.tags(), ","); got != "user_message,wait" {
		t.Errorf("tags = %s", got)
	}
	if len(f.notified) != 0 {
		t.Errorf("notified = %v, want none", f.notified)
	}

	// The second request sees the tool observations.
	msgs := f.llm.requests[1].Messages
	var obs map[string]any
	if err := json.Unmarshal([]byte(msgs[2].Content), &obs); err != nil {
		t.Fatalf("observation: %v", err)
	}
	result := obs["result"].(map[string]any)
	if result["status"] != "submitted" || result["new_agent_created"] != false {
		t.Errorf("first observation = %v", obs)
	}
}

func TestAgentMessageTurn(t *testing.T) {
	f := newFixture(toolCalls([2]string{"send_draft", `{"to":"a@b.c","subject":"Hi","body":"Body"}`}))
	f.conv.transcript = "<user_message>earlier</user_message>"
	f.roster.Add(`Mail "bot"`)

	res := f.rt.HandleAgentMessage(context.Background(), "[SUCCESS] Mail: drafted")
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}

	content := f.llm.requests[0].Messages[0].Content
	for _, want := range []string{
		"<conversation_history>\n<user_message>earlier</user_message>\n</conversation_history>",
		`<agent name="Mail &#34;bot&#34;" />`,
		"<new_agent_message>\n[SUCCESS] Mail: drafted\n</new_agent_message>",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("message missing %q:\n%s", want, content)
		}
	}
	if f.conv.entries[0].tag != "agent_message" {
		t.Errorf("first entry = %+v", f.conv.entries[0])
	}
	if f.conv.entries[1].payload != "To: a@b.c\nSubject: Hi\n\nBody" {
		t.Errorf("draft = %q", f.conv.entries[1].payload)
	}
}

func TestTurnFailures(t *testing.T) {
	f := newFixture()
	f.llm.err = errors.New("boom")
	if res := f.rt.HandleUserMessage(context.Background(), "x"); res.Success || res.Error != "boom" {
		t.Errorf("completion failure = %+v", res)
	}

	f = newFixture()
	f.conv.failRecord = errors.New("disk full")
	if res := f.rt.HandleUserMessage(context.Background(), "x"); res.Success || res.Error != "disk full" {
		t.Errorf("record failure = %+v", res)
	}
	if len(f.llm.requests) != 0 {
		t.Error("model called after failed record")
	}
}

func TestMissingArguments(t *testing.T) {
	f := newFixture(toolCalls([2]string{"send_message_to_agent", `{"agent_name":"x"}`}))
	f.rt.HandleUserMessage(context.Background(), "x")

	var obs map[string]any
	if err := json.Unmarshal([]byte(f.llm.requests[1].Messages[2].Content), &obs); err != nil {
		t.Fatalf("observation: %v", err)
	}
	if obs["status"] != "error" || obs["error"] != "Missing required arguments: instructions" {
		t.Errorf("observation = %v", obs)
	}
	if len(f.dispatch.registered) != 0 {
		t.Error("dispatch registered without instructions")
	}
}

func TestDeliverRunsAgentTurn(t *testing.T) {
	f := newFixture(llm.Message{Role: "assistant", Content: "Your flight is confirmed."})
	var sink execution.Sink = f.rt
	sink.Deliver(context.Background(), "[SUCCESS] Flights: confirmed")
	f.rt.Wait()

	if got := strings.Join(f.conv.tags(), ","); got != "agent_message,assistant_reply" {
		t.Errorf("tags = %s", got)
	}
}

func TestSubmitIsCoveredByWait(t *testing.T) {
	f := newFixture(
		toolCalls([2]string{"send_message_to_agent", `{"agent_name":"Flights","instructions":"check"}`}),
		toolCalls([2]string{"wait", `{"reason":"agents working"}`}),
	)
	release := make(chan struct{})
	f.dispatch.gate = release

	// The request context is gone by the time the turn runs.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.rt.Submit(ctx, "check flights")

	waited := make(chan struct{})
	go func() {
		f.rt.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		t.Fatal("Wait returned while the submitted turn's dispatch was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after the dispatch finished")
	}

	if got := strings.Join(f.conv.tags(), ","); got != "user_message,wait" {
		t.Errorf("tags = %s", got)
	}
	if len(f.dispatch.launched) != 1 {
		t.Errorf("launched = %v", f.dispatch.launched)
	}
}
