package interaction

import (
	"context"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/errand/internal/tools"
)

// turn holds the state the tools of a single turn share.
type turn struct {
	rt *Runtime

	mu           sync.Mutex
	userMessages []string
	agents       map[string]struct{}
}

func (t *turn) registry() (*tools.Registry, error) {
	return tools.NewRegistry(
		tools.Tool{
			Spec: mcp.NewTool("send_message_to_agent",
				mcp.WithDescription("Deliver instructions to a specific execution agent. Creates a new agent if the name doesn't exist in the roster, or reuses an existing one."),
				mcp.WithString("agent_name", mcp.Required(),
					mcp.Description("Human-readable agent name describing its purpose (e.g., 'Vercel Job Offer', 'Email to Sharanjeet'). This name will be used to identify and potentially reuse the agent.")),
				mcp.WithString("instructions", mcp.Required(),
					mcp.Description("Instructions for the agent to execute.")),
			),
			Handler: t.sendMessageToAgent,
		},
		tools.Tool{
			Spec: mcp.NewTool("send_message_to_user",
				mcp.WithDescription("Deliver a natural-language response directly to the user. Use this for updates, confirmations, or any assistant response the user should see immediately."),
				mcp.WithString("message", mcp.Required(),
					mcp.Description("Plain-text message that will be shown to the user and recorded in the conversation log.")),
			),
			Handler: t.sendMessageToUser,
		},
		tools.Tool{
			Spec: mcp.NewTool("send_draft",
				mcp.WithDescription("Record an email draft so the user can review the exact text."),
				mcp.WithString("to", mcp.Required(), mcp.Description("Recipient email for the draft.")),
				mcp.WithString("subject", mcp.Required(), mcp.Description("Email subject for the draft.")),
				mcp.WithString("body", mcp.Required(), mcp.Description("Email body content (plain text).")),
			),
			Handler: t.sendDraft,
		},
		tools.Tool{
			Spec: mcp.NewTool("wait",
				mcp.WithDescription("Wait silently when a message is already in conversation history to avoid duplicating responses. Adds a <wait> log entry that is not visible to the user."),
				mcp.WithString("reason", mcp.Required(),
					mcp.Description("Brief explanation of why waiting (e.g., 'Message already sent', 'Draft already created').")),
			),
			Handler: t.wait,
		},
	)
}

func (t *turn) sendMessageToAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("agent_name")
	if err != nil || strings.TrimSpace(name) == "" {
		return tools.Errorf("Missing required arguments: agent_name"), nil
	}
	instructions, err := req.RequireString("instructions")
	if err != nil {
		return tools.Errorf("Missing required arguments: instructions"), nil
	}

	isNew, err := t.rt.roster.Add(name)
	if err != nil {
		return tools.Errorf("updating roster: %v", err), nil
	}
	t.mu.Lock()
	if t.agents == nil {
		t.agents = make(map[string]struct{})
	}
	t.agents[name] = struct{}{}
	t.mu.Unlock()

	if isNew {
		t.rt.logger.Info("created agent", "agent", name)
	} else {
		t.rt.logger.Info("reused agent", "agent", name)
	}

	// Register before launching: dispatches of one turn share a batch.
	d := t.rt.dispatcher.Register(name, instructions)
	bg := context.WithoutCancel(ctx)
	t.rt.wg.Add(1)
	go func() {
		defer t.rt.wg.Done()
		res, err := t.rt.dispatcher.Launch(bg, d.ID)
		if err != nil {
			t.rt.logger.Error("agent dispatch failed", "agent", name, "error", err)
			return
		}
		status := "SUCCESS"
		if !res.Success {
			status = "FAILED"
		}
		t.rt.logger.Info("agent completed", "agent", name, "status", status)
	}()

	return tools.JSON(map[string]any{
		"status":            "submitted",
		"agent_name":        name,
		"new_agent_created": isNew,
	}), nil
}

func (t *turn) sendMessageToUser(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := req.RequireString("message")
	if err != nil {
		return tools.Errorf("Missing required arguments: message"), nil
	}
	if err := t.rt.conv.RecordReply(ctx, message); err != nil {
		return tools.Errorf("recording reply: %v", err), nil
	}
	t.mu.Lock()
	t.userMessages = append(t.userMessages, message)
	t.mu.Unlock()
	return tools.JSON(map[string]string{"status": "delivered"}), nil
}

func (t *turn) sendDraft(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	to, errTo := req.RequireString("to")
	subject, errSubject := req.RequireString("subject")
	body, errBody := req.RequireString("body")
	if errTo != nil || errSubject != nil || errBody != nil {
		return tools.Errorf("Missing required arguments: to, subject and body are required"), nil
	}

	if err := t.rt.conv.RecordReply(ctx, FormatDraft(to, subject, body)); err != nil {
		return tools.Errorf("recording draft: %v", err), nil
	}
	t.rt.logger.Info("draft recorded", "to", to)
	return tools.JSON(map[string]string{
		"status":  "draft_recorded",
		"to":      to,
		"subject": subject,
	}), nil
}

func (t *turn) wait(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reason, err := req.RequireString("reason")
	if err != nil {
		return tools.Errorf("Missing required arguments: reason"), nil
	}
	if err := t.rt.conv.RecordWait(ctx, reason); err != nil {
		return tools.Errorf("recording wait: %v", err), nil
	}
	return tools.JSON(map[string]string{"status": "waiting", "reason": reason}), nil
}

func (t *turn) snapshot() ([]string, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.userMessages...), len(t.agents)
}

// FormatDraft renders an email draft as it is recorded in the
// conversation.
func FormatDraft(to, subject, body string) string {
	return "To: " + to + "\nSubject: " + subject + "\n\n" + body
}
