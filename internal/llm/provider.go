package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackzampolin/narrate/internal/llmcall"
	"github.com/jackzampolin/narrate/internal/providers"
)

// ProviderModel adapts a providers.LLMClient to Model.
type ProviderModel struct {
	client   providers.LLMClient
	model    string
	recorder *llmcall.Recorder
}

// ProviderOption configures a ProviderModel.
type ProviderOption func(*ProviderModel)

// WithModelName overrides the client's default model.
func WithModelName(name string) ProviderOption {
	return func(m *ProviderModel) { m.model = name }
}

// WithRecorder records every call through r.
func WithRecorder(r *llmcall.Recorder) ProviderOption {
	return func(m *ProviderModel) { m.recorder = r }
}

// NewProviderModel wraps client.
func NewProviderModel(client providers.LLMClient, opts ...ProviderOption) *ProviderModel {
	m := &ProviderModel{client: client}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name returns the underlying client name.
func (m *ProviderModel) Name() string {
	return m.client.Name()
}

// Generate sends req as a system/user chat and maps provider failures onto
// ErrOverflow and ErrTimeout.
func (m *ProviderModel) Generate(ctx context.Context, req Request) (string, error) {
	chatReq := providers.NewChatRequest(req.System, req.User, req.MaxOutputTokens, req.Temperature)
	chatReq.Model = m.model

	start := time.Now()
	result, err := m.client.Chat(ctx, chatReq)
	m.record(ctx, req, result, err, time.Since(start))

	if err != nil {
		return "", mapProviderError(err)
	}
	if result.FinishReason == "length" && result.Content == "" {
		return "", fmt.Errorf("%w: empty response at token limit", ErrOverflow)
	}
	return result.Content, nil
}

func (m *ProviderModel) record(ctx context.Context, req Request, result *providers.ChatResult, err error, latency time.Duration) {
	if m.recorder == nil {
		return
	}
	labels := LabelsFrom(ctx)
	temp := req.Temperature
	opts := llmcall.RecordOptions{
		BookID:      labels.BookID,
		ChapterID:   labels.ChapterID,
		RunID:       labels.RunID,
		PromptKey:   req.Pass,
		PromptHash:  req.PromptHash,
		Temperature: &temp,
	}
	if result == nil {
		result = &providers.ChatResult{Provider: m.client.Name(), ModelUsed: m.model}
	}
	call := llmcall.FromChatResult(result, opts)
	if call.LatencyMs == 0 {
		call.LatencyMs = int(latency.Milliseconds())
	}
	if err != nil {
		call.Success = false
		call.Error = err.Error()
	}
	m.recorder.RecordCall(call)
}

func mapProviderError(err error) error {
	var statusErr *providers.StatusError
	switch {
	case errors.Is(err, providers.ErrContextLength):
		return fmt.Errorf("%w: %w", ErrOverflow, err)
	case errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %w", ErrOverflow, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	default:
		return err
	}
}

var _ Model = (*ProviderModel)(nil)

// Labels attach run identity to calls made under a context.
type Labels struct {
	BookID    int64
	ChapterID int64
	RunID     string
}

type labelsKey struct{}

// WithLabels returns a context carrying l.
func WithLabels(ctx context.Context, l Labels) context.Context {
	return context.WithValue(ctx, labelsKey{}, l)
}

// LabelsFrom returns the labels on ctx, or the zero value.
func LabelsFrom(ctx context.Context) Labels {
	l, _ := ctx.Value(labelsKey{}).(Labels)
	return l
}
