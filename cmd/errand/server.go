package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/errand/internal/api"
	"github.com/kalambet/errand/internal/config"
	"github.com/kalambet/errand/internal/conversation"
	"github.com/kalambet/errand/internal/execution"
	"github.com/kalambet/errand/internal/interaction"
	"github.com/kalambet/errand/internal/llm"
	"github.com/kalambet/errand/internal/memory"
	"github.com/kalambet/errand/internal/prompts"
	"github.com/kalambet/errand/internal/storage"
	"github.com/kalambet/errand/internal/timezone"
	"github.com/kalambet/errand/internal/transcript"
	"github.com/kalambet/errand/internal/trigger"
)

const drainTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the errand server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp-stdio")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running errand server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show errand server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp-stdio", false, "also serve MCP over stdin/stdout")
}

// Data directory layout.
func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "errand.pid")
}

func conversationDir(dataDir string) string {
	return filepath.Join(dataDir, "conversation")
}

func conversationLogPath(dataDir string) string {
	return filepath.Join(conversationDir(dataDir), "conversation.log")
}

func agentLogsDir(dataDir string) string {
	return filepath.Join(dataDir, "execution_agents")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// app holds the wired runtime of a serving process.
type app struct {
	store        *storage.Store
	triggers     *trigger.Service
	zone         *timezone.Store
	agentLogs    *transcript.AgentLogs
	roster       *execution.Roster
	conversation *conversation.Conversation
	executions   *execution.Runtime
	aggregator   *execution.Aggregator
	interaction  *interaction.Runtime
	scheduler    *trigger.Scheduler
}

func newApp(cfg config.Config) (*app, error) {
	dataDir := cfg.Storage.DataDir

	store, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a := &app{store: store}

	a.triggers = trigger.NewService(store, cfg.Scheduler.GracePeriod)
	a.zone = timezone.Open(filepath.Join(dataDir, "timezone.txt"))
	a.agentLogs = transcript.NewAgentLogs(agentLogsDir(dataDir), a.zone)

	a.roster, err = execution.OpenRoster(filepath.Join(agentLogsDir(dataDir), "roster.json"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening roster: %w", err)
	}

	catalog, err := prompts.Load(cfg.Prompts.File)
	if err != nil {
		store.Close()
		return nil, err
	}

	client := llm.NewClient(cfg.LLM.APIKey, cfg.LLM.BaseURL)
	summarizer := memory.NewSummarizer(client, memory.Settings{
		Model:     cfg.Models.Summarizer,
		Threshold: cfg.Summary.Threshold,
		Tail:      cfg.Summary.Tail,
	})
	a.conversation, err = conversation.Open(conversationDir(dataDir), a.zone, summarizer)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening conversation: %w", err)
	}

	a.executions = execution.NewRuntime(client, a.agentLogs, catalog,
		execution.NewToolset(a.triggers, a.zone, a.agentLogs),
		execution.RuntimeConfig{
			Model:             cfg.Models.Execution,
			MaxIterations:     cfg.Agent.MaxIterations,
			ConversationLimit: cfg.Agent.ConversationLimit,
		})

	a.aggregator = execution.NewAggregator(a.executions, nil, cfg.Agent.TaskTimeout)
	a.interaction = interaction.NewRuntime(client, a.conversation, a.roster, a.aggregator, catalog, interaction.Config{
		Model:         cfg.Models.Interaction,
		MaxIterations: cfg.Agent.MaxIterations,
	})
	a.interaction.SetNotifier(interaction.NotifierFunc(func(ctx context.Context, text string) {
		slog.Info("assistant reply ready", "length", len(text))
	}))
	a.aggregator.SetSink(a.interaction)

	a.scheduler = trigger.NewScheduler(a.triggers,
		execution.TriggerExecutor(a.executions, a.interaction, cfg.Agent.TaskTimeout),
		cfg.Scheduler.PollInterval)

	return a, nil
}

// reset wipes every piece of conversation state.
func (a *app) reset() error {
	a.aggregator.Shutdown()
	return errors.Join(
		a.conversation.Clear(),
		a.agentLogs.ClearAll(),
		a.roster.Clear(),
		a.triggers.ClearAll(),
	)
}

// drain waits for background work to finish, giving up after timeout.
// Trigger fires go first: their digests start interaction turns.
func (a *app) drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		a.scheduler.Wait()
		a.interaction.Wait()
		a.conversation.WaitForSummaries()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("background work still running at shutdown", "timeout", timeout)
	}
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		slog.Warn("closing storage", "error", err)
	}
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "errand version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	apiToken, err := config.GetAPIToken(config.NewSecretStore())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice: a live /health means another server owns the port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get("http://" + cfg.Addr() + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("errand is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("errand is already running on %s", cfg.Addr())
		return fmt.Errorf("server already running on %s", cfg.Addr())
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	srv := &http.Server{
		Addr: cfg.Addr(),
		Handler: api.NewHandler(api.Deps{
			Token:        apiToken,
			Version:      version,
			Chat:         a.interaction,
			Conversation: a.conversation,
			Reset:        a.reset,
			Timezone:     a.zone,
			Triggers:     a.triggers,
			Executions:   a.aggregator,
			Roster:       a.roster,
		}),
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "errand listening on %s\n", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.scheduler.Run(gCtx)
		return nil
	})

	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Version:      version,
			Chat:         a.interaction,
			Conversation: a.conversation,
			Roster:       a.roster,
			Triggers:     a.triggers,
			Timezone:     a.zone,
			AgentLogs:    a.agentLogs,
		})
		g.Go(func() error {
			err := server.NewStdioServer(mcpSrv).Listen(gCtx, os.Stdin, os.Stdout)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		<-gCtx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	a.drain(drainTimeout)
	return err
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("errand is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop errand (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to errand (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	running := false
	resp, err := client.Get("http://" + cfg.Addr() + "/health")
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		running = true
		printStatus("Server", "running on %s", cfg.Addr())
	default:
		resp.Body.Close()
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
	}

	printStatus("Interaction model", "%s", cfg.Models.Interaction)
	printStatus("Execution model", "%s", cfg.Models.Execution)
	printStatus("Summarizer model", "%s", cfg.Models.Summarizer)

	if running {
		if c, err := newAPIClient(); err == nil {
			if agents, err := fetchAgents(ctx, c); err == nil {
				printStatus("Execution agents", "%d", len(agents))
			}
			if pending, err := fetchPending(ctx, c); err == nil {
				printStatus("Running tasks", "%d", len(pending))
			}
			if triggers, err := fetchTriggers(ctx, c, ""); err == nil {
				printStatus("Triggers", "%d", len(triggers))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
