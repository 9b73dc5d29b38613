package config

import (
	"time"

	"github.com/jackzampolin/narrate/internal/jobs"
	"github.com/jackzampolin/narrate/internal/pipeline"
)

// Config holds narrate configuration.
// Stored at: {home}/config.yaml
type Config struct {
	LLMProviders map[string]LLMProviderCfg `mapstructure:"llm_providers" yaml:"llm_providers"`
	Defaults     DefaultsCfg               `mapstructure:"defaults" yaml:"defaults"`
	Pipeline     pipeline.Config           `mapstructure:"pipeline" yaml:"pipeline"`
	Checkpoint   CheckpointCfg             `mapstructure:"checkpoint" yaml:"checkpoint"`
	Executor     ExecutorCfg               `mapstructure:"executor" yaml:"executor"`
	Store        StoreCfg                  `mapstructure:"store" yaml:"store"`
	Logging      LoggingCfg                `mapstructure:"logging" yaml:"logging"`
}

// LLMProviderCfg configures an LLM provider.
type LLMProviderCfg struct {
	Type      string        `mapstructure:"type" yaml:"type"`             // "openrouter", "openai", "mock"
	Model     string        `mapstructure:"model" yaml:"model"`           // Model name
	APIKey    string        `mapstructure:"api_key" yaml:"api_key"`       // API key (supports ${ENV_VAR} syntax)
	BaseURL   string        `mapstructure:"base_url" yaml:"base_url"`     // Endpoint override (local servers)
	RateLimit int           `mapstructure:"rate_limit" yaml:"rate_limit"` // Requests per minute
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
}

// DefaultsCfg specifies default provider selections.
type DefaultsCfg struct {
	LLMProvider string `mapstructure:"llm_provider" yaml:"llm_provider"`
}

// CheckpointCfg configures checkpoint storage.
type CheckpointCfg struct {
	// Dir defaults to {home}/checkpoints when empty.
	Dir           string        `mapstructure:"dir" yaml:"dir"`
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl"`
	SweepSchedule string        `mapstructure:"sweep_schedule" yaml:"sweep_schedule"`
}

// ExecutorCfg configures the task executor and its model handle.
type ExecutorCfg struct {
	jobs.ExecutorConfig `mapstructure:",squash" yaml:",inline"`
	UnloadWhenIdle      bool `mapstructure:"unload_when_idle" yaml:"unload_when_idle"`
}

// StoreCfg configures the results database.
type StoreCfg struct {
	// Path defaults to {home}/narrate.db when empty.
	Path string `mapstructure:"path" yaml:"path"`
}

// LoggingCfg configures log output.
type LoggingCfg struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // auto, text, json
}
