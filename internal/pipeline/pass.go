package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackzampolin/narrate/internal/budget"
	"github.com/jackzampolin/narrate/internal/llm"
	"github.com/jackzampolin/narrate/internal/normalize"
)

// Pass defaults.
const (
	DefaultMinOutputTokens = 64
	DefaultCallTimeout     = 120 * time.Second
)

// PassConfig is the retry and size policy for one pass.
type PassConfig struct {
	MaxOutputTokens        int                `mapstructure:"max_output_tokens" yaml:"max_output_tokens" json:"max_output_tokens"`
	Temperature            float64            `mapstructure:"temperature" yaml:"temperature" json:"temperature"`
	MaxInputChars          int                `mapstructure:"max_input_chars" yaml:"max_input_chars" json:"max_input_chars"`
	MaxRetries             int                `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`
	TokenReductionPerRetry int                `mapstructure:"token_reduction_per_retry" yaml:"token_reduction_per_retry" json:"token_reduction_per_retry"`
	MinOutputTokens        int                `mapstructure:"min_output_tokens" yaml:"min_output_tokens" json:"min_output_tokens"`
	CallTimeout            time.Duration      `mapstructure:"call_timeout" yaml:"call_timeout" json:"call_timeout"`
	Budget                 budget.TokenBudget `mapstructure:"budget" yaml:"budget" json:"budget"`
}

// Resolved fills unset fields. A budget supplies MaxInputChars and
// MaxOutputTokens when those are not set directly.
func (c PassConfig) Resolved() PassConfig {
	if c.MaxInputChars <= 0 && c.Budget.InputTokens > 0 {
		c.MaxInputChars = budget.CharLimit(c.Budget)
	}
	if c.MaxOutputTokens <= 0 && c.Budget.OutputTokens > 0 {
		c.MaxOutputTokens = c.Budget.OutputTokens
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = 1
	}
	if c.MinOutputTokens <= 0 {
		c.MinOutputTokens = DefaultMinOutputTokens
	}
	if c.MaxOutputTokens < c.MinOutputTokens {
		c.MaxOutputTokens = c.MinOutputTokens
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	return c
}

// PromptSpec describes how one pass talks to the model.
type PromptSpec[In, Out any] struct {
	Name            string
	SystemPrompt    string
	PromptHash      string
	Temperature     float64
	Schema          []byte
	BuildUserPrompt func(In) (string, error)
	ParseResponse   func(json.RawMessage) (Out, error)
	// Truncate shrinks the input to a character limit. Nil disables
	// input shrinking.
	Truncate func(In, int) In
	Default  func() Out
}

// Outcome reports how a pass execution went.
type Outcome struct {
	Attempts    int
	Kind        llm.Kind
	UsedDefault bool
	Cancelled   bool
	// OutputTokens is the allowance used on the final attempt.
	OutputTokens int
	// InputChars is the input limit used on the final attempt.
	InputChars int
	Err        error
}

// Pass runs a prompt against the model with retry-and-shrink.
type Pass[In, Out any] struct {
	Spec   PromptSpec[In, Out]
	Config PassConfig
	Logger *slog.Logger
}

// Execute returns the parsed output, or Spec.Default() when every attempt
// fails or ctx is cancelled.
func (p *Pass[In, Out]) Execute(ctx context.Context, model llm.Model, in In) Out {
	out, _ := p.ExecuteDetailed(ctx, model, in)
	return out
}

// ExecuteDetailed is Execute plus an Outcome record.
func (p *Pass[In, Out]) ExecuteDetailed(ctx context.Context, model llm.Model, in In) (Out, Outcome) {
	cfg := p.Config.Resolved()
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("pass", p.Spec.Name)

	temperature := p.Spec.Temperature
	if cfg.Temperature != 0 {
		temperature = cfg.Temperature
	}

	limit := cfg.MaxInputChars
	prepared := in
	if p.Spec.Truncate != nil && limit > 0 {
		prepared = p.Spec.Truncate(in, limit)
	}

	outcome := Outcome{InputChars: limit}
	fail := func(err error) (Out, Outcome) {
		outcome.UsedDefault = true
		if err != nil {
			outcome.Err = err
		}
		return p.Spec.Default(), outcome
	}

	prompt, err := p.Spec.BuildUserPrompt(prepared)
	if err != nil {
		logger.Warn("failed to build prompt", "error", err)
		return fail(err)
	}

	current := cfg.MaxOutputTokens
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			outcome.Cancelled = true
			return fail(ctx.Err())
		}
		outcome.Attempts = attempt
		outcome.OutputTokens = current

		callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
		text, genErr := model.Generate(callCtx, llm.Request{
			System:          p.Spec.SystemPrompt,
			User:            prompt,
			MaxOutputTokens: current,
			Temperature:     temperature,
			Pass:            p.Spec.Name,
			PromptHash:      p.Spec.PromptHash,
		})
		callTimedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
		cancel()

		if ctx.Err() != nil {
			outcome.Cancelled = true
			return fail(ctx.Err())
		}

		kind := llm.Classify(text, genErr)
		if callTimedOut && kind != llm.KindOK {
			kind = llm.KindTimeout
		}
		outcome.Kind = kind

		switch kind {
		case llm.KindOverflow, llm.KindTimeout:
			outcome.Err = genErr
			if attempt == cfg.MaxRetries {
				continue
			}
			old := current
			current = max(current-cfg.TokenReductionPerRetry, cfg.MinOutputTokens)
			if p.Spec.Truncate != nil && limit > 0 {
				next := budget.ShrinkLimit(limit, old, current)
				if next >= limit {
					// Output allowance is already at its floor; shrink input anyway.
					next = max(limit*3/4, 1)
				}
				limit = next
				outcome.InputChars = limit
				prepared = p.Spec.Truncate(prepared, limit)
				if prompt, err = p.Spec.BuildUserPrompt(prepared); err != nil {
					logger.Warn("failed to rebuild prompt", "error", err)
					return fail(err)
				}
			}
			logger.Debug("retrying with smaller request",
				"attempt", attempt,
				"kind", kind.String(),
				"max_output_tokens", current,
				"input_chars", limit)
			continue

		case llm.KindTransient:
			logger.Warn("model call failed", "attempt", attempt, "error", genErr)
			outcome.Err = genErr
			continue
		}

		out, err := p.parse(text)
		if err != nil {
			logger.Debug("unusable model output", "attempt", attempt, "error", err)
			outcome.Err = err
			continue
		}
		outcome.Err = nil
		return out, outcome
	}

	logger.Warn("pass exhausted retries, using default", "attempts", outcome.Attempts, "last_kind", outcome.Kind.String())
	return fail(nil)
}

func (p *Pass[In, Out]) parse(text string) (Out, error) {
	var zero Out
	raw, err := normalize.Normalize(text)
	if err != nil {
		return zero, err
	}
	if raw, err = normalize.Canonical(raw); err != nil {
		return zero, err
	}
	if len(p.Spec.Schema) > 0 {
		if err := normalize.Validate(p.Spec.Schema, raw); err != nil {
			return zero, err
		}
	}
	return p.Spec.ParseResponse(raw)
}
