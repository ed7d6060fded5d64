package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	LLM       LLMConfig
	Models    ModelsConfig
	Agent     AgentConfig
	Scheduler SchedulerConfig
	Summary   SummaryConfig
	Prompts   PromptsConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LLMConfig struct {
	BaseURL string
	APIKey  string
}

// ModelsConfig names the completion model used by each agent role.
type ModelsConfig struct {
	Interaction string
	Execution   string
	Summarizer  string
}

type AgentConfig struct {
	MaxIterations int
	TaskTimeout   time.Duration
	// ConversationLimit caps how many past requests of an execution agent
	// are replayed into its prompt. Zero replays everything.
	ConversationLimit int
}

type SchedulerConfig struct {
	PollInterval time.Duration
	GracePeriod  time.Duration
}

type SummaryConfig struct {
	Threshold int
	Tail      int
}

type PromptsConfig struct {
	File string
}

type LogConfig struct {
	Level string
}

const defaultModel = "claude-sonnet-4-5-20250929"

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8001,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		LLM: LLMConfig{
			BaseURL: "https://ai.megallm.io/v1",
		},
		Models: ModelsConfig{
			Interaction: defaultModel,
			Execution:   defaultModel,
			Summarizer:  defaultModel,
		},
		Agent: AgentConfig{
			MaxIterations: 8,
			TaskTimeout:   90 * time.Second,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 10 * time.Second,
			GracePeriod:  5 * time.Minute,
		},
		Summary: SummaryConfig{
			Threshold: 100,
			Tail:      10,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the TOML config file, environment
// variables, and the secrets file.
//
// The config file lives at $XDG_CONFIG_HOME/errand/config.toml. Dotted
// keys map onto TOML tables, so server.port is read from [server] port.
// Environment variables (ERRAND_*) override file values. Secrets are
// taken from the environment first and then from secrets.json in the
// data directory.
func Load() (Config, error) {
	return loadFromPath(configFilePath(), newSecretStore(secretsFilePath()))
}

// secretReader abstracts secret lookup for testing.
type secretReader interface {
	Get(name string) (string, error)
}

func loadFromPath(path string, secrets secretReader) (Config, error) {
	b, err := openFileBackend(path)
	if err != nil {
		return Config{}, err
	}
	return loadWith(b, secrets)
}

func loadWith(b ConfigBackend, secrets secretReader) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.LLM.APIKey == "" {
		if key, err := secrets.Get(secretLLMAPIKey); err == nil && key != "" {
			cfg.LLM.APIKey = key
		}
	}

	return cfg, nil
}

// Validate reports configuration that would prevent the server from
// running. CLI commands that only talk to a running server skip it.
func (c Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("missing required config: LLM API key. " +
			"Set it via environment variable ERRAND_LLM_API_KEY or add \"llm_api_key\" to " + secretsFilePath())
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations)
	}
	if c.Agent.TaskTimeout <= 0 {
		return fmt.Errorf("agent.task_timeout must be positive, got %s", c.Agent.TaskTimeout)
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be positive, got %s", c.Scheduler.PollInterval)
	}
	return nil
}

// Addr is the listen address of the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func xdgDir(env, fallback string) string {
	dir := os.Getenv(env)
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, fallback)
		} else {
			dir = "."
		}
	}
	return dir
}

func defaultDataDir() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")), "errand")
}

func configFilePath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "errand", "config.toml")
}
