package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/errand/internal/api"
	"github.com/kalambet/errand/internal/config"
	"github.com/kalambet/errand/internal/conversation"
	"github.com/kalambet/errand/internal/execution"
	"github.com/kalambet/errand/internal/transcript"
)

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the assistant",
}

var chatSendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Send a message to the assistant",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.TrimSpace(strings.Join(args, " "))
		if text == "" {
			return fmt.Errorf("message is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := sendChat(cmd.Context(), client, text); err != nil {
			return err
		}
		printSuccess("Message sent; follow the reply with `errand chat watch`")
		return nil
	},
}

var chatHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the chat history",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		messages, err := fetchHistory(cmd.Context(), client)
		if err != nil {
			return err
		}
		if len(messages) == 0 {
			fmt.Println("No messages yet.")
			return nil
		}
		for _, m := range messages {
			fmt.Println(formatMessage(m))
		}
		return nil
	},
}

var chatClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the conversation, agent logs, agents and triggers",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This deletes the conversation, every execution agent and all triggers. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/chat/history")
		if err != nil {
			return err
		}
		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Conversation cleared")
		return nil
	},
}

var chatWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the conversation as it is written",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		path := conversationLogPath(cfg.Storage.DataDir)
		printStatus("Watching", "%s", path)
		err = transcript.Follow(ctx, path, func(e transcript.Entry) {
			if line, ok := formatEntry(e); ok {
				fmt.Println(line)
			}
		})
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func init() {
	chatClearCmd.Flags().Bool("confirm", false, "confirm clearing all state")
	chatCmd.AddCommand(chatSendCmd, chatHistoryCmd, chatClearCmd, chatWatchCmd)
}

func sendChat(ctx context.Context, client *apiClient, text string) error {
	resp, err := client.post(ctx, "/chat/send", api.ChatRequest{
		Messages: []api.ChatMessage{{Role: "user", Content: text}},
	})
	if err != nil {
		return err
	}
	var result map[string]any
	return decodeJSON(resp, &result)
}

func fetchHistory(ctx context.Context, client *apiClient) ([]conversation.Message, error) {
	resp, err := client.get(ctx, "/chat/history")
	if err != nil {
		return nil, err
	}
	var result struct {
		Messages []conversation.Message `json:"messages"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return nil, err
	}
	return result.Messages, nil
}

func formatMessage(m conversation.Message) string {
	prefix := colorize(roleColor(m.Role), m.Role+">")
	if m.Timestamp != "" {
		prefix = colorize(colorDim, m.Timestamp) + " " + prefix
	}
	return prefix + " " + m.Content
}

// formatEntry renders a followed log entry. Wait markers are hidden.
func formatEntry(e transcript.Entry) (string, bool) {
	var role string
	switch e.Tag {
	case conversation.TagUserMessage:
		role = "user"
	case conversation.TagReply:
		role = "assistant"
	case conversation.TagAgentMessage:
		role = "agents"
	default:
		return "", false
	}
	return formatMessage(conversation.Message{Role: role, Content: e.Payload, Timestamp: e.Timestamp}), true
}

// --- triggers ---

var triggersCmd = &cobra.Command{
	Use:   "triggers",
	Short: "Inspect scheduled triggers",
}

var triggersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List triggers",
	RunE: func(cmd *cobra.Command, args []string) error {
		agent, _ := cmd.Flags().GetString("agent")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		triggers, err := fetchTriggers(cmd.Context(), client, agent)
		if err != nil {
			return err
		}
		if len(triggers) == 0 {
			fmt.Println("No triggers found.")
			return nil
		}
		for _, t := range triggers {
			fmt.Println(formatTrigger(t))
		}
		return nil
	},
}

func init() {
	triggersListCmd.Flags().String("agent", "", "only list triggers of this execution agent")
	triggersCmd.AddCommand(triggersListCmd)
}

func fetchTriggers(ctx context.Context, client *apiClient, agent string) ([]execution.TriggerView, error) {
	path := "/triggers"
	if agent != "" {
		path += "?agent=" + url.QueryEscape(agent)
	}
	resp, err := client.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var result struct {
		Triggers []execution.TriggerView `json:"triggers"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return nil, err
	}
	return result.Triggers, nil
}

func formatTrigger(t execution.TriggerView) string {
	next := "-"
	if t.NextTrigger != nil {
		next = *t.NextTrigger
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s  %s  next=%s",
		colorize(colorCyan, fmt.Sprintf("#%d", t.ID)),
		colorize(colorBold, t.AgentName),
		t.Status,
		next,
	)
	if t.RecurrenceRule != nil {
		fmt.Fprintf(&b, "  rule=%s", strings.ReplaceAll(*t.RecurrenceRule, "\n", " "))
	}
	if t.LastError != nil {
		b.WriteString("  " + colorize(colorRed, "error="+*t.LastError))
	}
	fmt.Fprintf(&b, "\n    %s", t.Payload)
	return b.String()
}

// --- agents ---

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect execution agents",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known execution agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		agents, err := fetchAgents(cmd.Context(), client)
		if err != nil {
			return err
		}
		if len(agents) == 0 {
			fmt.Println("No execution agents yet.")
			return nil
		}
		for _, a := range agents {
			fmt.Println(a)
		}
		return nil
	},
}

var agentsPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List execution agents that are still running",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		pending, err := fetchPending(cmd.Context(), client)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("Nothing running.")
			return nil
		}
		for _, p := range pending {
			fmt.Printf("%s  %s  %.1fs\n", colorize(colorCyan, p.ID), p.AgentName, p.ElapsedSeconds)
		}
		return nil
	},
}

func init() {
	agentsCmd.AddCommand(agentsListCmd, agentsPendingCmd)
}

func fetchAgents(ctx context.Context, client *apiClient) ([]string, error) {
	resp, err := client.get(ctx, "/agents")
	if err != nil {
		return nil, err
	}
	var result struct {
		Agents []string `json:"agents"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return nil, err
	}
	return result.Agents, nil
}

func fetchPending(ctx context.Context, client *apiClient) ([]execution.PendingDispatch, error) {
	resp, err := client.get(ctx, "/executions/pending")
	if err != nil {
		return nil, err
	}
	var result struct {
		Pending []execution.PendingDispatch `json:"pending"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return nil, err
	}
	return result.Pending, nil
}

// --- timezone ---

var timezoneCmd = &cobra.Command{
	Use:   "timezone",
	Short: "Show or set the user's timezone",
}

var timezoneGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the stored timezone",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/meta/timezone")
		if err != nil {
			return err
		}
		var result struct {
			Timezone string `json:"timezone"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		fmt.Println(result.Timezone)
		return nil
	},
}

var timezoneSetCmd = &cobra.Command{
	Use:   "set <zone>",
	Short: "Set the timezone, e.g. Europe/Paris",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		zone, err := setTimezone(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		printSuccess("Timezone set to %s", zone)
		return nil
	},
}

func init() {
	timezoneCmd.AddCommand(timezoneGetCmd, timezoneSetCmd)
}

func setTimezone(ctx context.Context, client *apiClient, zone string) (string, error) {
	resp, err := client.post(ctx, "/meta/timezone", map[string]string{"timezone": zone})
	if err != nil {
		return "", err
	}
	var result struct {
		Timezone string `json:"timezone"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return "", err
	}
	return result.Timezone, nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			fmt.Fprintf(os.Stderr, "valid keys: %s\n", strings.Join(config.ValidKeys(), ", "))
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}
