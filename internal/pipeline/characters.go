package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackzampolin/narrate/internal/budget"
	"github.com/jackzampolin/narrate/internal/llm"
	"github.com/jackzampolin/narrate/internal/normalize"
	"github.com/jackzampolin/narrate/internal/prompts"
	"github.com/jackzampolin/narrate/internal/prompts/characters"
)

// PassCharacters is the pass name used for prompts and call logging.
const PassCharacters = "characters"

type pageInput struct {
	Text     string
	Language string
}

// CharacterStep finds the character names on every page.
type CharacterStep struct {
	config   PassConfig
	resolver *prompts.Resolver
	logger   *slog.Logger
}

// NewCharacterStep creates the character step.
func NewCharacterStep(cfg PassConfig, resolver *prompts.Resolver, logger *slog.Logger) *CharacterStep {
	if logger == nil {
		logger = slog.Default()
	}
	return &CharacterStep{
		config:   cfg,
		resolver: resolver,
		logger:   logger.With("step", PassCharacters),
	}
}

func (s *CharacterStep) ID() StepID   { return StepCharacters }
func (s *CharacterStep) Name() string { return PassCharacters }

func (s *CharacterStep) pass(ctx context.Context) (*Pass[pageInput, []string], error) {
	system, hash, err := resolvePrompts(ctx, s.resolver, characters.SystemKey, characters.UserKey)
	if err != nil {
		return nil, err
	}
	return &Pass[pageInput, []string]{
		Spec: PromptSpec[pageInput, []string]{
			Name:         PassCharacters,
			SystemPrompt: system,
			PromptHash:   hash,
			Temperature:  s.config.Temperature,
			Schema:       characters.Schema,
			BuildUserPrompt: func(in pageInput) (string, error) {
				text, _, err := s.resolver.Render(ctx, characters.UserKey, characters.Data{
					Text:     in.Text,
					Language: in.Language,
				})
				return text, err
			},
			ParseResponse: ParseNames,
			Truncate: func(in pageInput, limit int) pageInput {
				in.Text = budget.Truncate(in.Text, limit)
				return in
			},
			Default: func() []string { return nil },
		},
		Config: s.config,
		Logger: s.logger,
	}, nil
}

// Apply records every name found on each page.
func (s *CharacterStep) Apply(ctx context.Context, model llm.Model, actx *AnalysisContext, onProgress ProgressFunc) error {
	pass, err := s.pass(ctx)
	if err != nil {
		return fmt.Errorf("prepare characters pass: %w", err)
	}

	total := len(actx.Pages)
	for i, page := range actx.Pages {
		if err := ctx.Err(); err != nil {
			return err
		}

		names := pass.Execute(ctx, model, pageInput{Text: page, Language: actx.Language})
		for _, name := range names {
			actx.Observe(name, i)
		}
		actx.PagesProcessed++

		s.logger.Debug("page analyzed", "page", i, "names", len(names), "characters", len(actx.Characters))
		if onProgress != nil {
			onProgress(i+1, total)
		}
	}
	return nil
}

// nameEntry is a character name given either as a string or as an object
// with a character field.
type nameEntry string

func (n *nameEntry) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || string(data) == "null":
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = nameEntry(s)
	case data[0] == '{':
		var obj struct {
			Character string `json:"character"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		*n = nameEntry(obj.Character)
	}
	return nil
}

// ParseNames reads a character pass response: a bare array of names or an
// object with a characters array.
func ParseNames(raw json.RawMessage) ([]string, error) {
	var entries []nameEntry
	if t := bytes.TrimSpace(raw); len(t) > 0 && t[0] == '[' {
		if err := normalize.Decode(raw, &entries); err != nil {
			return nil, err
		}
	} else {
		var doc struct {
			Characters []nameEntry `json:"characters"`
		}
		if err := normalize.Decode(raw, &doc); err != nil {
			return nil, err
		}
		entries = doc.Characters
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if name := strings.TrimSpace(string(e)); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}
