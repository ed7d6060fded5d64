package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/errand/internal/storage"
	"github.com/kalambet/errand/internal/tools"
	"github.com/kalambet/errand/internal/transcript"
	"github.com/kalambet/errand/internal/trigger"
)

// ZoneSource supplies the user's timezone. Implemented by timezone.Store.
type ZoneSource interface {
	Get(def string) string
}

// TriggerView is the JSON shape of a trigger returned to agents and API
// clients. Times use the storage layout; unset times are null.
type TriggerView struct {
	ID             int64   `json:"id"`
	AgentName      string  `json:"agent_name,omitempty"`
	Payload        string  `json:"payload"`
	StartTime      *string `json:"start_time"`
	NextTrigger    *string `json:"next_trigger"`
	RecurrenceRule *string `json:"recurrence_rule"`
	Timezone       string  `json:"timezone"`
	Status         string  `json:"status"`
	LastError      *string `json:"last_error"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

// ViewTrigger converts a stored trigger to its JSON shape.
func ViewTrigger(t storage.Trigger) TriggerView {
	return TriggerView{
		ID:             t.ID,
		AgentName:      t.AgentName,
		Payload:        t.Payload,
		StartTime:      timeString(t.StartTime),
		NextTrigger:    timeString(t.NextTrigger),
		RecurrenceRule: optional(t.RecurrenceRule),
		Timezone:       t.Timezone,
		Status:         t.Status,
		LastError:      optional(t.LastError),
		CreatedAt:      storage.FormatTime(t.CreatedAt),
		UpdatedAt:      storage.FormatTime(t.UpdatedAt),
	}
}

// TriggerTools returns createTrigger, updateTrigger and listTriggers bound
// to agentName.
func TriggerTools(agentName string, svc *trigger.Service, zone ZoneSource, logs *transcript.AgentLogs) []tools.Tool {
	h := &triggerTools{
		agent:  agentName,
		svc:    svc,
		zone:   zone,
		logs:   logs,
		logger: slog.Default(),
	}
	return []tools.Tool{
		{
			Spec: mcp.NewTool("createTrigger",
				mcp.WithDescription("Create a reminder trigger for the current execution agent."),
				mcp.WithString("payload", mcp.Required(),
					mcp.Description("Raw instruction text that should run when the trigger fires.")),
				mcp.WithString("recurrence_rule",
					mcp.Description("iCalendar RRULE string describing how often to fire (optional).")),
				mcp.WithString("start_time",
					mcp.Description("Initial fire time as an ISO 8601 string in the user's timezone (optional).")),
				mcp.WithString("status",
					mcp.Description("Initial status; defaults to active."),
					mcp.Enum(storage.StatusActive, storage.StatusPaused, storage.StatusCompleted)),
			),
			Handler: h.create,
		},
		{
			Spec: mcp.NewTool("updateTrigger",
				mcp.WithDescription("Update or pause an existing trigger owned by this execution agent."),
				mcp.WithNumber("trigger_id", mcp.Required(),
					mcp.Description("Identifier returned when the trigger was created.")),
				mcp.WithString("payload",
					mcp.Description("Replace the instruction payload (optional).")),
				mcp.WithString("recurrence_rule",
					mcp.Description("New RRULE definition (optional).")),
				mcp.WithString("start_time",
					mcp.Description("New start time in ISO 8601 format (optional).")),
				mcp.WithString("status",
					mcp.Description("Set trigger status to 'active', 'paused' or 'completed'."),
					mcp.Enum(storage.StatusActive, storage.StatusPaused, storage.StatusCompleted)),
			),
			Handler: h.update,
		},
		{
			Spec: mcp.NewTool("listTriggers",
				mcp.WithDescription("List all triggers belonging to this execution agent."),
			),
			Handler: h.list,
		},
	}
}

// NewToolset returns a Toolset giving every agent its trigger tools.
func NewToolset(svc *trigger.Service, zone ZoneSource, logs *transcript.AgentLogs) Toolset {
	return func(agentName string) (*tools.Registry, error) {
		return tools.NewRegistry(TriggerTools(agentName, svc, zone, logs)...)
	}
}

type triggerTools struct {
	agent  string
	svc    *trigger.Service
	zone   ZoneSource
	logs   *transcript.AgentLogs
	logger *slog.Logger
}

func (h *triggerTools) create(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	payload, ok := args["payload"].(string)
	if !ok || strings.TrimSpace(payload) == "" {
		return tools.Errorf("payload is required"), nil
	}
	p := trigger.CreateParams{
		AgentName:      h.agent,
		Payload:        payload,
		RecurrenceRule: stringArg(args, "recurrence_rule"),
		StartTime:      stringArg(args, "start_time"),
		Timezone:       h.zone.Get(""),
		Status:         stringArg(args, "status"),
	}

	t, err := h.svc.Create(p)
	if err != nil {
		details, _ := json.Marshal(map[string]string{
			"recurrence_rule": p.RecurrenceRule,
			"start_time":      p.StartTime,
			"timezone":        p.Timezone,
			"status":          p.Status,
		})
		h.action(fmt.Sprintf("createTrigger failed | details=%s | error=%v", details, err))
		return tools.Errorf("%v", err), nil
	}

	h.action(fmt.Sprintf("createTrigger succeeded | trigger_id=%d", t.ID))
	v := ViewTrigger(t)
	return tools.JSON(map[string]any{
		"trigger_id":      t.ID,
		"status":          v.Status,
		"next_trigger":    v.NextTrigger,
		"start_time":      v.StartTime,
		"timezone":        v.Timezone,
		"recurrence_rule": v.RecurrenceRule,
	}), nil
}

func (h *triggerTools) update(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	id, err := TriggerID(args["trigger_id"])
	if err != nil {
		return tools.Errorf("%v", err), nil
	}

	p := trigger.UpdateParams{
		Payload:        stringPtrArg(args, "payload"),
		RecurrenceRule: stringPtrArg(args, "recurrence_rule"),
		StartTime:      stringPtrArg(args, "start_time"),
		Status:         stringPtrArg(args, "status"),
	}

	t, err := h.svc.Update(id, h.agent, p)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = fmt.Errorf("Trigger %d not found", id)
		}
		h.action(fmt.Sprintf("updateTrigger failed | id=%d | error=%v", id, err))
		return tools.Errorf("%v", err), nil
	}

	h.action(fmt.Sprintf("updateTrigger succeeded | trigger_id=%d", t.ID))
	v := ViewTrigger(t)
	return tools.JSON(map[string]any{
		"trigger_id":      t.ID,
		"status":          v.Status,
		"next_trigger":    v.NextTrigger,
		"start_time":      v.StartTime,
		"timezone":        v.Timezone,
		"recurrence_rule": v.RecurrenceRule,
		"last_error":      v.LastError,
	}), nil
}

func (h *triggerTools) list(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	triggers, err := h.svc.List(h.agent)
	if err != nil {
		h.action(fmt.Sprintf("listTriggers failed | error=%v", err))
		return tools.Errorf("%v", err), nil
	}

	views := make([]TriggerView, 0, len(triggers))
	for _, t := range triggers {
		v := ViewTrigger(t)
		v.AgentName = ""
		views = append(views, v)
	}
	h.action(fmt.Sprintf("listTriggers succeeded | count=%d", len(views)))
	return tools.JSON(map[string]any{"triggers": views}), nil
}

func (h *triggerTools) action(line string) {
	if h.logs == nil {
		return
	}
	if err := h.logs.RecordAction(h.agent, line); err != nil {
		h.logger.Warn("failed to record trigger action", "agent", h.agent, "error", err)
	}
}

// TriggerID coerces a decoded JSON value to a trigger id. Integral numbers
// and numeric strings are accepted.
func TriggerID(v any) (int64, error) {
	errNotInt := errors.New("trigger_id must be an integer")
	switch id := v.(type) {
	case float64:
		if id != math.Trunc(id) || math.IsInf(id, 0) {
			return 0, errNotInt
		}
		return int64(id), nil
	case int:
		return int64(id), nil
	case int64:
		return id, nil
	case json.Number:
		n, err := id.Int64()
		if err != nil {
			return 0, errNotInt
		}
		return n, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return 0, errNotInt
		}
		return n, nil
	}
	return 0, errNotInt
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func stringPtrArg(args map[string]any, key string) *string {
	s, ok := args[key].(string)
	if !ok {
		return nil
	}
	return &s
}

func timeString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := storage.FormatTime(*t)
	return &s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
