package pipeline

import (
	"context"
	"log/slog"

	"github.com/jackzampolin/narrate/internal/budget"
	"github.com/jackzampolin/narrate/internal/llm"
	"github.com/jackzampolin/narrate/internal/prompts"
	"github.com/jackzampolin/narrate/internal/prompts/characters"
	"github.com/jackzampolin/narrate/internal/prompts/dialogs"
	"github.com/jackzampolin/narrate/internal/prompts/voices"
)

// ProgressFunc reports work done within a step.
type ProgressFunc func(done, total int)

// Step is one stage of the analysis. Steps mutate the context in place and
// only return errors for cancellation or conditions they cannot absorb.
type Step interface {
	ID() StepID
	Name() string
	Apply(ctx context.Context, model llm.Model, actx *AnalysisContext, onProgress ProgressFunc) error
}

// SpeakerMatcher picks a synthesis speaker for a character.
type SpeakerMatcher interface {
	Match(name string, traits []string, profile *VoiceProfile, suggested *int) int
}

// Config holds the per-pass policies and step tuning.
type Config struct {
	Characters       PassConfig `mapstructure:"characters" yaml:"characters" json:"characters"`
	Dialogs          PassConfig `mapstructure:"dialogs" yaml:"dialogs" json:"dialogs"`
	Voices           PassConfig `mapstructure:"voices" yaml:"voices" json:"voices"`
	VoiceBatchSize   int        `mapstructure:"voice_batch_size" yaml:"voice_batch_size" json:"voice_batch_size"`
	MaxNamesInPrompt int        `mapstructure:"max_names_in_prompt" yaml:"max_names_in_prompt" json:"max_names_in_prompt"`
}

// Step tuning defaults.
const (
	DefaultVoiceBatchSize   = 4
	DefaultMaxNamesInPrompt = 10
)

// DefaultConfig returns the standard pass policies.
func DefaultConfig() Config {
	return Config{
		Characters: PassConfig{
			MaxOutputTokens:        256,
			Temperature:            0.1,
			MaxRetries:             3,
			TokenReductionPerRetry: 64,
			MinOutputTokens:        DefaultMinOutputTokens,
			CallTimeout:            DefaultCallTimeout,
			Budget:                 budgetFor(256, 2500, 256),
		},
		Dialogs: PassConfig{
			MaxOutputTokens:        1024,
			Temperature:            0.2,
			MaxRetries:             3,
			TokenReductionPerRetry: 256,
			MinOutputTokens:        DefaultMinOutputTokens,
			CallTimeout:            DefaultCallTimeout,
			Budget:                 budgetFor(512, 2500, 1024),
		},
		Voices: PassConfig{
			MaxOutputTokens:        768,
			Temperature:            0.3,
			MaxRetries:             3,
			TokenReductionPerRetry: 128,
			MinOutputTokens:        DefaultMinOutputTokens,
			CallTimeout:            DefaultCallTimeout,
			Budget:                 budgetFor(512, 2500, 768),
		},
		VoiceBatchSize:   DefaultVoiceBatchSize,
		MaxNamesInPrompt: DefaultMaxNamesInPrompt,
	}
}

func budgetFor(prompt, input, output int) budget.TokenBudget {
	return budget.TokenBudget{PromptTokens: prompt, InputTokens: input, OutputTokens: output}
}

// Option configures the default steps.
type Option func(*options)

type options struct {
	resolver *prompts.Resolver
}

// WithResolver supplies the prompt resolver. Without one the embedded
// prompts are used.
func WithResolver(r *prompts.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// NewResolver returns a resolver with every pass prompt registered.
func NewResolver(store *prompts.Store, logger *slog.Logger) *prompts.Resolver {
	r := prompts.NewResolver(store, logger)
	characters.RegisterPrompts(r)
	dialogs.RegisterPrompts(r)
	voices.RegisterPrompts(r)
	return r
}

// DefaultRegistry wires the character, dialog and voice steps.
func DefaultRegistry(cfg Config, matcher SpeakerMatcher, logger *slog.Logger, opts ...Option) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.resolver == nil {
		o.resolver = NewResolver(nil, logger)
	}

	r := NewRegistry()
	if err := r.Register(NewCharacterStep(cfg.Characters, o.resolver, logger)); err != nil {
		return nil, err
	}
	if err := r.Register(NewDialogStep(cfg.Dialogs, cfg.MaxNamesInPrompt, o.resolver, logger), StepCharacters); err != nil {
		return nil, err
	}
	if err := r.Register(NewVoiceStep(cfg.Voices, cfg.VoiceBatchSize, matcher, o.resolver, logger), StepDialogs); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// resolvePrompts renders the system prompt and returns it with the hash of
// the user template.
func resolvePrompts(ctx context.Context, r *prompts.Resolver, systemKey, userKey string) (string, string, error) {
	system, _, err := r.Render(ctx, systemKey, nil)
	if err != nil {
		return "", "", err
	}
	user, err := r.Resolve(ctx, userKey)
	if err != nil {
		return "", "", err
	}
	return system, user.Hash, nil
}
