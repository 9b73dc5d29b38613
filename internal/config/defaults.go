package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/jackzampolin/narrate/internal/checkpoint"
	"github.com/jackzampolin/narrate/internal/jobs"
	"github.com/jackzampolin/narrate/internal/pipeline"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LLMProviders: map[string]LLMProviderCfg{
			"openrouter": {
				Type:      "openrouter",
				Model:     "anthropic/claude-sonnet-4",
				APIKey:    "${OPENROUTER_API_KEY}",
				RateLimit: 150,
				Enabled:   true,
			},
			"local": {
				Type:    "openai",
				Model:   "local-model",
				BaseURL: "http://localhost:8080/v1",
				Enabled: false,
			},
		},
		Defaults: DefaultsCfg{
			LLMProvider: "openrouter",
		},
		Pipeline: pipeline.DefaultConfig(),
		Checkpoint: CheckpointCfg{
			TTL:           checkpoint.DefaultTTL,
			SweepSchedule: checkpoint.DefaultSweepSchedule,
		},
		Executor: ExecutorCfg{
			ExecutorConfig: jobs.DefaultExecutorConfig(),
		},
		Logging: LoggingCfg{
			Level:  "info",
			Format: "auto",
		},
	}
}

// GetLLMProvider returns an LLM provider config by name.
func (c *Config) GetLLMProvider(name string) (LLMProviderCfg, bool) {
	cfg, ok := c.LLMProviders[name]
	return cfg, ok
}

// EnabledLLMProviders returns all enabled LLM providers.
func (c *Config) EnabledLLMProviders() map[string]LLMProviderCfg {
	result := make(map[string]LLMProviderCfg)
	for name, cfg := range c.LLMProviders {
		if cfg.Enabled {
			result[name] = cfg
		}
	}
	return result
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	passes := []struct {
		name string
		cfg  pipeline.PassConfig
	}{
		{pipeline.PassCharacters, c.Pipeline.Characters},
		{pipeline.PassDialogs, c.Pipeline.Dialogs},
		{pipeline.PassVoices, c.Pipeline.Voices},
	}
	for _, p := range passes {
		if p.cfg.MaxRetries < 1 {
			add("pipeline.%s.max_retries must be at least 1, got %d", p.name, p.cfg.MaxRetries)
		}
		if p.cfg.TokenReductionPerRetry < 0 {
			add("pipeline.%s.token_reduction_per_retry must not be negative", p.name)
		}
		if p.cfg.Temperature < 0 || p.cfg.Temperature > 2 {
			add("pipeline.%s.temperature must be within [0, 2], got %v", p.name, p.cfg.Temperature)
		}
	}
	if c.Pipeline.VoiceBatchSize < 1 {
		add("pipeline.voice_batch_size must be at least 1")
	}
	if c.Pipeline.MaxNamesInPrompt < 1 {
		add("pipeline.max_names_in_prompt must be at least 1")
	}

	if c.Checkpoint.TTL <= 0 {
		add("checkpoint.ttl must be positive")
	}
	if c.Checkpoint.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.Checkpoint.SweepSchedule); err != nil {
			add("checkpoint.sweep_schedule %q: %v", c.Checkpoint.SweepSchedule, err)
		}
	}

	if c.Executor.SecondsPerPage <= 0 {
		add("executor.seconds_per_page must be positive")
	}
	if c.Executor.LongRunningThreshold <= 0 {
		add("executor.long_running_threshold must be positive")
	}
	if c.Executor.QueueSize < 1 {
		add("executor.queue_size must be at least 1")
	}

	if name := c.Defaults.LLMProvider; name != "" {
		if _, ok := c.LLMProviders[name]; !ok {
			add("defaults.llm_provider %q is not configured", name)
		}
	}
	for name, p := range c.LLMProviders {
		switch p.Type {
		case "openrouter", "openai", "mock":
		default:
			add("llm_providers.%s.type %q is unknown", name, p.Type)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		add("logging.level %q is unknown", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "auto", "text", "json":
	default:
		add("logging.format %q is unknown", c.Logging.Format)
	}

	return errors.Join(errs...)
}
