package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jackzampolin/narrate/internal/budget"
	"github.com/jackzampolin/narrate/internal/llm"
	"github.com/jackzampolin/narrate/internal/normalize"
	"github.com/jackzampolin/narrate/internal/prompts"
	"github.com/jackzampolin/narrate/internal/prompts/voices"
)

// PassVoices is the pass name used for prompts and call logging.
const PassVoices = "voices"

type voiceInput struct {
	Characters []voices.Character
	Context    string
}

// VoiceEntry is the voice pass result for one character.
type VoiceEntry struct {
	Character string        `json:"character"`
	Traits    StringList    `json:"traits"`
	Voice     *VoiceProfile `json:"voice"`
	SpeakerID *Number       `json:"speaker_id"`
}

// Suggested returns the model's speaker suggestion, if any.
func (e VoiceEntry) Suggested() *int {
	if e.SpeakerID != nil {
		id := int(*e.SpeakerID)
		return &id
	}
	if e.Voice != nil && e.Voice.SpeakerID != nil {
		id := *e.Voice.SpeakerID
		return &id
	}
	return nil
}

// StringList decodes an array of strings or a single comma separated string.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (l *StringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		var out []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*l = out
		return nil
	}
	var items []any
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		switch v := it.(type) {
		case string:
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		case float64:
			out = append(out, strconv.FormatFloat(v, 'f', -1, 64))
		}
	}
	*l = out
	return nil
}

// VoiceStep assigns a voice profile and speaker to every character.
type VoiceStep struct {
	config    PassConfig
	batchSize int
	matcher   SpeakerMatcher
	resolver  *prompts.Resolver
	logger    *slog.Logger
}

// NewVoiceStep creates the voice step.
func NewVoiceStep(cfg PassConfig, batchSize int, matcher SpeakerMatcher, resolver *prompts.Resolver, logger *slog.Logger) *VoiceStep {
	if batchSize <= 0 {
		batchSize = DefaultVoiceBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VoiceStep{
		config:    cfg,
		batchSize: batchSize,
		matcher:   matcher,
		resolver:  resolver,
		logger:    logger.With("step", PassVoices),
	}
}

func (s *VoiceStep) ID() StepID   { return StepVoices }
func (s *VoiceStep) Name() string { return PassVoices }

func (s *VoiceStep) pass(ctx context.Context) (*Pass[voiceInput, map[string]VoiceEntry], error) {
	system, hash, err := resolvePrompts(ctx, s.resolver, voices.SystemKey, voices.UserKey)
	if err != nil {
		return nil, err
	}
	return &Pass[voiceInput, map[string]VoiceEntry]{
		Spec: PromptSpec[voiceInput, map[string]VoiceEntry]{
			Name:         PassVoices,
			SystemPrompt: system,
			PromptHash:   hash,
			Temperature:  s.config.Temperature,
			Schema:       voices.Schema,
			BuildUserPrompt: func(in voiceInput) (string, error) {
				text, _, err := s.resolver.Render(ctx, voices.UserKey, voices.Data{
					Characters: in.Characters,
					Context:    in.Context,
				})
				return text, err
			},
			ParseResponse: ParseVoices,
			Truncate: func(in voiceInput, limit int) voiceInput {
				in.Context = budget.Truncate(in.Context, limit)
				return in
			},
			Default: func() map[string]VoiceEntry { return map[string]VoiceEntry{} },
		},
		Config: s.config,
		Logger: s.logger,
	}, nil
}

// Apply profiles characters in batches of sorted keys.
func (s *VoiceStep) Apply(ctx context.Context, model llm.Model, actx *AnalysisContext, onProgress ProgressFunc) error {
	pass, err := s.pass(ctx)
	if err != nil {
		return fmt.Errorf("prepare voices pass: %w", err)
	}

	keys := actx.Keys()
	total := (len(keys) + s.batchSize - 1) / s.batchSize
	for b := 0; b < total; b++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := b * s.batchSize
		batch := keys[start:min(start+s.batchSize, len(keys))]

		entries := pass.Execute(ctx, model, s.input(actx, batch))
		covered := 0
		for _, k := range batch {
			c := actx.Characters[k]
			entry, ok := entries[k]
			if ok {
				covered++
			}
			s.assign(c, entry)
		}
		s.logger.Debug("voice batch", "batch", b, "size", len(batch), "covered", covered)

		if onProgress != nil {
			onProgress(b+1, total)
		}
	}
	return nil
}

func (s *VoiceStep) input(actx *AnalysisContext, batch []string) voiceInput {
	in := voiceInput{Characters: make([]voices.Character, 0, len(batch))}
	var sb strings.Builder
	for _, k := range batch {
		c := actx.Characters[k]
		in.Characters = append(in.Characters, voices.Character{
			Name:   c.Name,
			Traits: append([]string(nil), c.Traits...),
		})
		for _, line := range c.DialogLines {
			sb.WriteString(c.Name)
			sb.WriteString(": ")
			sb.WriteString(strconv.Quote(line.Text))
			sb.WriteByte('\n')
		}
	}
	in.Context = strings.TrimRight(sb.String(), "\n")
	return in
}

func (s *VoiceStep) assign(c *CharacterData, entry VoiceEntry) {
	if len(entry.Traits) > 0 {
		c.MergeTraits(entry.Traits)
	}

	profile := DefaultVoiceProfile()
	if entry.Voice != nil {
		profile = entry.Voice.Clone()
		profile.Clamp()
	}
	suggested := entry.Suggested()
	profile.SpeakerID = nil
	c.VoiceProfile = profile

	switch {
	case s.matcher != nil:
		id := s.matcher.Match(c.Name, c.Traits, profile, suggested)
		c.AssignedSpeakerID = &id
	case suggested != nil:
		c.AssignedSpeakerID = suggested
	}
}

// ParseVoices reads a voice pass response into entries keyed by character
// key. It accepts an entry array, an object with a characters array or map,
// a single entry object, or a map keyed by character name.
func ParseVoices(raw json.RawMessage) (map[string]VoiceEntry, error) {
	t := bytes.TrimSpace(raw)
	if len(t) > 0 && t[0] == '[' {
		var entries []VoiceEntry
		if err := normalize.Decode(raw, &entries); err != nil {
			return nil, err
		}
		return indexEntries(entries), nil
	}

	var doc map[string]json.RawMessage
	if err := normalize.Decode(raw, &doc); err != nil {
		return nil, err
	}

	if inner, ok := doc["characters"]; ok {
		return ParseVoices(inner)
	}
	if _, ok := doc["character"]; ok {
		var entry VoiceEntry
		if err := normalize.Decode(raw, &entry); err != nil {
			return nil, err
		}
		return indexEntries([]VoiceEntry{entry}), nil
	}

	entries := make([]VoiceEntry, 0, len(doc))
	for name, body := range doc {
		var entry VoiceEntry
		switch b := bytes.TrimSpace(body); {
		case len(b) > 0 && b[0] == '"':
			var v VoiceProfile
			if err := json.Unmarshal(b, &v); err != nil {
				continue
			}
			entry.Voice = &v
		case len(b) > 0 && b[0] == '{':
			if err := normalize.Decode(b, &entry); err != nil {
				continue
			}
		default:
			continue
		}
		if strings.TrimSpace(entry.Character) == "" {
			entry.Character = name
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 && len(doc) > 0 {
		return nil, fmt.Errorf("%w: no voice entries", normalize.ErrMalformed)
	}
	return indexEntries(entries), nil
}

func indexEntries(entries []VoiceEntry) map[string]VoiceEntry {
	out := make(map[string]VoiceEntry, len(entries))
	for _, e := range entries {
		k := Key(e.Character)
		if k == "" {
			continue
		}
		if _, dup := out[k]; dup {
			continue
		}
		out[k] = e
	}
	return out
}
