package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/errand/internal/execution"
	"github.com/kalambet/errand/internal/tools"
	"github.com/kalambet/errand/internal/transcript"
	"github.com/kalambet/errand/internal/trigger"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Version      string
	Chat         ChatRunner
	Conversation ChatLog
	Roster       AgentLister
	Triggers     *trigger.Service
	Timezone     execution.ZoneSource
	AgentLogs    *transcript.AgentLogs // optional; trigger actions are not journaled when nil
}

// NewMCPServer creates an MCP server with the errand tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"errand",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("errand: a personal assistant that delegates tasks to execution agents and wakes them on schedules."),
		server.WithRecovery(),
	)

	s.AddTools(
		server.ServerTool{
			Tool: mcp.NewTool("send_message",
				mcp.WithDescription("Send a message to the assistant and wait for its reply."),
				mcp.WithString("message", mcp.Description("Message text"), mcp.Required()),
			),
			Handler: mcpSendMessage(deps),
		},
		server.ServerTool{
			Tool: mcp.NewTool("list_triggers",
				mcp.WithDescription("List scheduled triggers, optionally for a single execution agent."),
				mcp.WithString("agent_name", mcp.Description("Owning agent; omit to list every trigger")),
			),
			Handler: mcpListTriggers(deps),
		},
		server.ServerTool{
			Tool: mcp.NewTool("create_trigger",
				mcp.WithDescription("Create a trigger that wakes an execution agent."),
				mcp.WithString("agent_name", mcp.Description("Agent that runs the payload"), mcp.Required()),
				mcp.WithString("payload", mcp.Description("Instructions to run when the trigger fires"), mcp.Required()),
				mcp.WithString("recurrence_rule", mcp.Description("iCalendar RRULE (optional)")),
				mcp.WithString("start_time", mcp.Description("ISO 8601 start time in the user's timezone (optional)")),
				mcp.WithString("status", mcp.Description("active, paused or completed")),
			),
			Handler: mcpAgentTrigger(deps, "createTrigger"),
		},
		server.ServerTool{
			Tool: mcp.NewTool("update_trigger",
				mcp.WithDescription("Update, pause or resume a trigger."),
				mcp.WithString("agent_name", mcp.Description("Agent owning the trigger"), mcp.Required()),
				mcp.WithNumber("trigger_id", mcp.Description("Trigger id"), mcp.Required()),
				mcp.WithString("payload", mcp.Description("New payload (optional)")),
				mcp.WithString("recurrence_rule", mcp.Description("New RRULE (optional)")),
				mcp.WithString("start_time", mcp.Description("New start time (optional)")),
				mcp.WithString("status", mcp.Description("active, paused or completed")),
			),
			Handler: mcpAgentTrigger(deps, "updateTrigger"),
		},
	)

	s.AddResource(
		mcp.NewResource(
			"errand://conversation",
			"Conversation",
			mcp.WithResourceDescription("Conversation transcript as the assistant sees it"),
			mcp.WithMIMEType("text/plain"),
		),
		mcpResourceConversation(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"errand://agents",
			"Execution Agents",
			mcp.WithResourceDescription("Names of known execution agents"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceAgents(deps),
	)

	return s
}

func mcpSendMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return tools.Error("message is required"), nil
		}
		res := deps.Chat.HandleUserMessage(ctx, message)
		if !res.Success {
			return tools.Error(fmt.Sprintf("turn failed: %s", res.Error)), nil
		}
		return tools.Text(res.Response), nil
	}
}

func mcpListTriggers(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		triggers, err := deps.Triggers.List(req.GetString("agent_name", ""))
		if err != nil {
			return tools.Error(fmt.Sprintf("failed to list triggers: %v", err)), nil
		}
		views := make([]execution.TriggerView, len(triggers))
		for i, t := range triggers {
			views[i] = execution.ViewTrigger(t)
		}
		return tools.JSON(views), nil
	}
}

// mcpAgentTrigger forwards to the named trigger tool bound to the agent
// given in the request.
func mcpAgentTrigger(deps MCPDeps, name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agent, err := req.RequireString("agent_name")
		if err != nil || agent == "" {
			return tools.Error("agent_name is required"), nil
		}
		for _, t := range execution.TriggerTools(agent, deps.Triggers, deps.Timezone, deps.AgentLogs) {
			if t.Spec.Name == name {
				return t.Handler(ctx, req)
			}
		}
		return tools.Error(fmt.Sprintf("unknown trigger tool %s", name)), nil
	}
}

func mcpResourceConversation(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		text, err := deps.Conversation.Transcript()
		if err != nil {
			return nil, fmt.Errorf("failed to load transcript: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "text/plain",
				Text:     text,
			},
		}, nil
	}
}

func mcpResourceAgents(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		agents := deps.Roster.Agents()
		if agents == nil {
			agents = []string{}
		}
		b, err := json.Marshal(agents)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal agents: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}
