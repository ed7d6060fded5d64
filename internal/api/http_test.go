package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/errand/internal/conversation"
	"github.com/kalambet/errand/internal/execution"
	"github.com/kalambet/errand/internal/interaction"
	"github.com/kalambet/errand/internal/storage"
)

const testToken = "test-token-12345"

// --- mocks ---

type mockChat struct {
	handleFn func(ctx context.Context, text string) interaction.Result
	submitFn func(ctx context.Context, text string)
}

func (m *mockChat) HandleUserMessage(ctx context.Context, text string) interaction.Result {
	return m.handleFn(ctx, text)
}

func (m *mockChat) Submit(ctx context.Context, text string) {
	m.submitFn(ctx, text)
}

type mockChatLog struct {
	messages   []conversation.Message
	transcript string
	err        error
}

func (m *mockChatLog) History() ([]conversation.Message, error) { return m.messages, m.err }
func (m *mockChatLog) Transcript() (string, error)              { return m.transcript, m.err }

type mockTimezone struct {
	zone string
}

func (m *mockTimezone) Get(def string) string {
	if m.zone == "" {
		return def
	}
	return m.zone
}

func (m *mockTimezone) Set(name string) error {
	if _, err := time.LoadLocation(name); err != nil || name == "" {
		return errors.New("unknown timezone: " + name)
	}
	m.zone = name
	return nil
}

type mockTriggers struct {
	triggers []storage.Trigger
	lastArg  string
}

func (m *mockTriggers) List(agentName string) ([]storage.Trigger, error) {
	m.lastArg = agentName
	return m.triggers, nil
}

type mockPending []execution.PendingDispatch

func (m mockPending) Pending() []execution.PendingDispatch { return m }

type mockRoster []string

func (m mockRoster) Agents() []string { return m }

// --- helpers ---

type testEnv struct {
	handler  http.Handler
	chat     chan string
	log      *mockChatLog
	tz       *mockTimezone
	triggers *mockTriggers
	resets   int
}

func setupHandler(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		chat:     make(chan string, 1),
		log:      &mockChatLog{},
		tz:       &mockTimezone{},
		triggers: &mockTriggers{},
	}
	env.handler = NewHandler(Deps{
		Token:   testToken,
		Version: "1.2.3",
		Chat: &mockChat{
			handleFn: func(ctx context.Context, text string) interaction.Result {
				t.Errorf("chat send ran turn %q inline", text)
				return interaction.Result{}
			},
			submitFn: func(ctx context.Context, text string) {
				env.chat <- text
			},
		},
		Conversation: env.log,
		Reset: func() error {
			env.resets++
			return nil
		},
		Timezone:   env.tz,
		Triggers:   env.triggers,
		Executions: mockPending{{ID: "01J", AgentName: "Flights", BatchID: "b"}},
		Roster:     mockRoster{"Flights", "Hotels"},
	})
	return env
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(env *testEnv, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding %q: %v", rr.Body.String(), err)
	}
	return out
}

// --- tests ---

func TestHealthIsPublic(t *testing.T) {
	env := setupHandler(t)
	rr := serve(env, authReq(http.MethodGet, "/health", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decode(t, rr)
	if body["ok"] != true || body["service"] != "errand" || body["version"] != "1.2.3" {
		t.Errorf("body = %v", body)
	}
}

func TestAuthRequired(t *testing.T) {
	env := setupHandler(t)
	for _, token := range []string{"", "wrong"} {
		rr := serve(env, authReq(http.MethodGet, "/agents", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
		errObj := decode(t, rr)["error"].(map[string]any)
		if errObj["type"] != "authentication_error" {
			t.Errorf("error = %v", errObj)
		}
	}
}

func TestAuthWithoutConfiguredToken(t *testing.T) {
	h := NewHandler(Deps{Roster: mockRoster{}})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/agents", "", "anything"))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
}

func TestChatSendAccepted(t *testing.T) {
	env := setupHandler(t)
	body := `{"messages":[{"role":"user","content":"first"},{"role":"assistant","content":"ok"},{"role":" USER ","content":"  latest  "},{"role":"user","content":"   "}]}`
	rr := serve(env, authReq(http.MethodPost, "/chat/send", body, testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	select {
	case got := <-env.chat:
		if got != "latest" {
			t.Errorf("turn text = %q, want latest", got)
		}
	default:
		t.Fatal("chat turn was not submitted before the response")
	}
}

func TestChatSendRejects(t *testing.T) {
	env := setupHandler(t)
	tests := []struct {
		name string
		body string
	}{
		{"no user message", `{"messages":[{"role":"assistant","content":"hi"}]}`},
		{"empty", `{"messages":[]}`},
		{"malformed", `{"messages":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(env, authReq(http.MethodPost, "/chat/send", tt.body, testToken))
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rr.Code)
			}
		})
	}
}

func TestChatHistory(t *testing.T) {
	env := setupHandler(t)
	rr := serve(env, authReq(http.MethodGet, "/chat/history", "", testToken))
	if got := strings.TrimSpace(rr.Body.String()); got != `{"messages":[]}` {
		t.Errorf("empty history = %s", got)
	}

	env.log.messages = []conversation.Message{{Role: "user", Content: "hi", Timestamp: "2025-03-01 12:00:00"}}
	rr = serve(env, authReq(http.MethodGet, "/chat/history", "", testToken))
	msgs := decode(t, rr)["messages"].([]any)
	if len(msgs) != 1 || msgs[0].(map[string]any)["content"] != "hi" {
		t.Errorf("messages = %v", msgs)
	}

	env.log.err = errors.New("disk")
	if rr := serve(env, authReq(http.MethodGet, "/chat/history", "", testToken)); rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rr.Code)
	}
}

func TestChatClear(t *testing.T) {
	env := setupHandler(t)
	rr := serve(env, authReq(http.MethodDelete, "/chat/history", "", testToken))
	if rr.Code != http.StatusOK || decode(t, rr)["ok"] != true {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if env.resets != 1 {
		t.Errorf("resets = %d, want 1", env.resets)
	}
}

func TestTimezoneRoutes(t *testing.T) {
	env := setupHandler(t)
	if got := decode(t, serve(env, authReq(http.MethodGet, "/meta/timezone", "", testToken)))["timezone"]; got != "UTC" {
		t.Errorf("default timezone = %v", got)
	}

	rr := serve(env, authReq(http.MethodPost, "/meta/timezone", `{"timezone":"Europe/Paris"}`, testToken))
	if rr.Code != http.StatusOK || decode(t, rr)["timezone"] != "Europe/Paris" {
		t.Errorf("set: status %d body %s", rr.Code, rr.Body.String())
	}

	rr = serve(env, authReq(http.MethodPost, "/meta/timezone", `{"timezone":"Mars/Olympus"}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("invalid zone status = %d, want 400", rr.Code)
	}
	if env.tz.zone != "Europe/Paris" {
		t.Errorf("zone changed to %q by invalid request", env.tz.zone)
	}
}

func TestListTriggersRoute(t *testing.T) {
	env := setupHandler(t)
	next := time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)
	env.triggers.triggers = []storage.Trigger{{ID: 3, AgentName: "Flights", Payload: "check", NextTrigger: &next, Timezone: "UTC", Status: "active"}}

	rr := serve(env, authReq(http.MethodGet, "/triggers?agent=Flights", "", testToken))
	if env.triggers.lastArg != "Flights" {
		t.Errorf("listed for %q", env.triggers.lastArg)
	}
	list := decode(t, rr)["triggers"].([]any)
	first := list[0].(map[string]any)
	if first["agent_name"] != "Flights" || first["next_trigger"] != "2025-03-02T09:00:00Z" || first["start_time"] != nil {
		t.Errorf("trigger = %v", first)
	}
}

func TestPendingAndAgents(t *testing.T) {
	env := setupHandler(t)
	pending := decode(t, serve(env, authReq(http.MethodGet, "/executions/pending", "", testToken)))["pending"].([]any)
	if len(pending) != 1 || pending[0].(map[string]any)["request_id"] != "01J" {
		t.Errorf("pending = %v", pending)
	}
	agents := decode(t, serve(env, authReq(http.MethodGet, "/agents", "", testToken)))["agents"].([]any)
	if len(agents) != 2 || agents[1] != "Hotels" {
		t.Errorf("agents = %v", agents)
	}
}

func TestLatestUserMessage(t *testing.T) {
	if _, ok := LatestUserMessage(nil); ok {
		t.Error("nil messages should have no user message")
	}
	got, ok := LatestUserMessage([]ChatMessage{{Role: "user", Content: "a"}, {Role: "system", Content: "b"}})
	if !ok || got != "a" {
		t.Errorf("got %q, %v", got, ok)
	}
}
