package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "ERRAND_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "ERRAND_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "ERRAND_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "llm.base_url", typ: kString, env: "ERRAND_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_key", typ: kString, env: "ERRAND_LLM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "models.interaction", typ: kString, env: "ERRAND_MODELS_INTERACTION",
		apply:   func(cfg *Config, v any) { cfg.Models.Interaction = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Interaction },
	},
	{
		key: "models.execution", typ: kString, env: "ERRAND_MODELS_EXECUTION",
		apply:   func(cfg *Config, v any) { cfg.Models.Execution = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Execution },
	},
	{
		key: "models.summarizer", typ: kString, env: "ERRAND_MODELS_SUMMARIZER",
		apply:   func(cfg *Config, v any) { cfg.Models.Summarizer = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Summarizer },
	},
	{
		key: "agent.max_iterations", typ: kInt, env: "ERRAND_AGENT_MAX_ITERATIONS",
		apply:   func(cfg *Config, v any) { cfg.Agent.MaxIterations = v.(int) },
		extract: func(cfg Config) any { return cfg.Agent.MaxIterations },
	},
	{
		key: "agent.task_timeout", typ: kDuration, env: "ERRAND_AGENT_TASK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Agent.TaskTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Agent.TaskTimeout },
	},
	{
		key: "agent.conversation_limit", typ: kInt, env: "ERRAND_AGENT_CONVERSATION_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Agent.ConversationLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Agent.ConversationLimit },
	},
	{
		key: "scheduler.poll_interval", typ: kDuration, env: "ERRAND_SCHEDULER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scheduler.PollInterval },
	},
	{
		key: "scheduler.grace_period", typ: kDuration, env: "ERRAND_SCHEDULER_GRACE_PERIOD",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.GracePeriod = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scheduler.GracePeriod },
	},
	{
		key: "summary.threshold", typ: kInt, env: "ERRAND_SUMMARY_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Summary.Threshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Summary.Threshold },
	},
	{
		key: "summary.tail", typ: kInt, env: "ERRAND_SUMMARY_TAIL",
		apply:   func(cfg *Config, v any) { cfg.Summary.Tail = v.(int) },
		extract: func(cfg Config) any { return cfg.Summary.Tail },
	},
	{
		key: "prompts.file", typ: kString, env: "ERRAND_PROMPTS_FILE",
		apply:   func(cfg *Config, v any) { cfg.Prompts.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Prompts.File },
	},
	{
		key: "log.level", typ: kString, env: "ERRAND_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := parseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := parseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

// parseDuration accepts Go duration strings and bare integers, which are
// read as seconds.
func parseDuration(raw string) (time.Duration, error) {
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(raw)
}
