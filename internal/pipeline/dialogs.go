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
	"github.com/jackzampolin/narrate/internal/prompts/dialogs"
)

// PassDialogs is the pass name used for prompts and call logging.
const PassDialogs = "dialogs"

type dialogInput struct {
	Names []string
	Text  string
}

// RawDialog is one attributed line as returned by the model.
type RawDialog struct {
	Speaker   string  `json:"speaker"`
	Character string  `json:"character"`
	Text      string  `json:"text"`
	Emotion   string  `json:"emotion"`
	Intensity *Number `json:"intensity"`
}

// SpeakerName returns the speaker, falling back to the character field.
func (d RawDialog) SpeakerName() string {
	if s := strings.TrimSpace(d.Speaker); s != "" {
		return s
	}
	return strings.TrimSpace(d.Character)
}

// DialogStep attributes quoted speech on each page to known characters.
type DialogStep struct {
	config   PassConfig
	maxNames int
	resolver *prompts.Resolver
	logger   *slog.Logger
}

// NewDialogStep creates the dialog step. At most maxNames names are listed
// in each page prompt.
func NewDialogStep(cfg PassConfig, maxNames int, resolver *prompts.Resolver, logger *slog.Logger) *DialogStep {
	if maxNames <= 0 {
		maxNames = DefaultMaxNamesInPrompt
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DialogStep{
		config:   cfg,
		maxNames: maxNames,
		resolver: resolver,
		logger:   logger.With("step", PassDialogs),
	}
}

func (s *DialogStep) ID() StepID   { return StepDialogs }
func (s *DialogStep) Name() string { return PassDialogs }

func (s *DialogStep) pass(ctx context.Context) (*Pass[dialogInput, []RawDialog], error) {
	system, hash, err := resolvePrompts(ctx, s.resolver, dialogs.SystemKey, dialogs.UserKey)
	if err != nil {
		return nil, err
	}
	return &Pass[dialogInput, []RawDialog]{
		Spec: PromptSpec[dialogInput, []RawDialog]{
			Name:         PassDialogs,
			SystemPrompt: system,
			PromptHash:   hash,
			Temperature:  s.config.Temperature,
			Schema:       dialogs.Schema,
			BuildUserPrompt: func(in dialogInput) (string, error) {
				text, _, err := s.resolver.Render(ctx, dialogs.UserKey, dialogs.Data{
					Names: in.Names,
					Text:  in.Text,
				})
				return text, err
			},
			ParseResponse: ParseDialogs,
			Truncate: func(in dialogInput, limit int) dialogInput {
				in.Text = budget.Truncate(in.Text, limit)
				return in
			},
			Default: func() []RawDialog { return nil },
		},
		Config: s.config,
		Logger: s.logger,
	}, nil
}

// Apply extracts dialog for every page that has known characters.
func (s *DialogStep) Apply(ctx context.Context, model llm.Model, actx *AnalysisContext, onProgress ProgressFunc) error {
	pass, err := s.pass(ctx)
	if err != nil {
		return fmt.Errorf("prepare dialogs pass: %w", err)
	}

	total := len(actx.Pages)
	orphans := 0
	for i, page := range actx.Pages {
		if err := ctx.Err(); err != nil {
			return err
		}

		names := actx.NamesOnPage(i)
		if len(names) > 0 {
			if len(names) > s.maxNames {
				names = names[:s.maxNames]
			}
			lines := pass.Execute(ctx, model, dialogInput{Names: names, Text: page})
			added, dropped := s.apply(actx, i, lines)
			orphans += dropped
			s.logger.Debug("page dialogs", "page", i, "added", added, "orphans", dropped)
		}

		if onProgress != nil {
			onProgress(i+1, total)
		}
	}
	if orphans > 0 {
		s.logger.Debug("dropped dialog from unknown speakers", "count", orphans)
	}
	return nil
}

func (s *DialogStep) apply(actx *AnalysisContext, page int, lines []RawDialog) (added, orphans int) {
	for _, line := range lines {
		text := strings.TrimSpace(line.Text)
		if text == "" {
			continue
		}
		c, ok := actx.Lookup(line.SpeakerName())
		if !ok {
			orphans++
			continue
		}
		c.DialogLines = append(c.DialogLines, NewDialogLine(page, text, line.Emotion, line.Intensity))
		actx.TotalDialogLines++
		added++
	}
	return added, orphans
}

// NewDialogLine builds a line with the emotion lowercased (neutral when
// empty) and intensity clamped to [0,1] (0.5 when missing).
func NewDialogLine(page int, text, emotion string, intensity *Number) DialogLine {
	emotion = strings.ToLower(strings.TrimSpace(emotion))
	if emotion == "" {
		emotion = DefaultEmotion
	}
	value := DefaultIntensity
	if intensity != nil {
		value = clamp(float64(*intensity), 0, 1)
	}
	return DialogLine{PageNumber: page, Text: text, Emotion: emotion, Intensity: value}
}

// ParseDialogs reads a dialog pass response: an object with a dialogs array
// or a bare array of lines.
func ParseDialogs(raw json.RawMessage) ([]RawDialog, error) {
	if t := bytes.TrimSpace(raw); len(t) > 0 && t[0] == '[' {
		var lines []RawDialog
		if err := normalize.Decode(raw, &lines); err != nil {
			return nil, err
		}
		return lines, nil
	}
	var doc struct {
		Dialogs []RawDialog `json:"dialogs"`
	}
	if err := normalize.Decode(raw, &doc); err != nil {
		return nil, err
	}
	return doc.Dialogs, nil
}
