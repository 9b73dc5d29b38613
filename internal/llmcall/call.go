// Package llmcall provides LLM call recording and querying for traceability.
// Every model call is recorded with its pass name, prompt hash, and metrics.
package llmcall

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/narrate/internal/providers"
)

// Call represents a recorded LLM API call.
type Call struct {
	// Unique identifier
	ID string `json:"id"`

	// Timing
	Timestamp time.Time `json:"timestamp"`
	LatencyMs int       `json:"latency_ms"`

	// Context references
	BookID    int64  `json:"book_id,omitempty"`
	ChapterID int64  `json:"chapter_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`

	// Prompt traceability
	PromptKey  string `json:"prompt_key"`
	PromptHash string `json:"prompt_hash,omitempty"` // sha256 of the template text used

	// Model info
	Provider    string   `json:"provider"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature,omitempty"`

	// Token usage
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd,omitempty"`

	// Response
	Response     string `json:"response"`
	FinishReason string `json:"finish_reason,omitempty"`

	// Status
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// RecordOptions provides context for recording an LLM call.
type RecordOptions struct {
	// Context references (all optional)
	BookID    int64
	ChapterID int64
	RunID     string

	// Prompt identification (required for traceability)
	PromptKey  string
	PromptHash string

	// Request parameters (pointer to distinguish "not set" from "set to 0")
	Temperature *float64

	// Optional logger for non-fatal warnings.
	Logger *slog.Logger
}

// maxResponseBytes bounds the stored response text.
const maxResponseBytes = 16 << 10

// FromChatResult creates a Call from a ChatResult.
// Returns nil if result is nil.
func FromChatResult(result *providers.ChatResult, opts RecordOptions) *Call {
	if result == nil {
		return nil
	}

	call := &Call{
		ID:           uuid.New().String(),
		Timestamp:    time.Now(),
		LatencyMs:    int(result.ExecutionTime.Milliseconds()),
		BookID:       opts.BookID,
		ChapterID:    opts.ChapterID,
		RunID:        opts.RunID,
		PromptKey:    opts.PromptKey,
		PromptHash:   opts.PromptHash,
		Provider:     result.Provider,
		Model:        result.ModelUsed,
		InputTokens:  result.PromptTokens,
		OutputTokens: result.CompletionTokens,
		CostUSD:      result.CostUSD,
		Response:     result.Content,
		FinishReason: result.FinishReason,
		Success:      result.Success,
	}

	if opts.Temperature != nil {
		call.Temperature = opts.Temperature
	}

	if !result.Success {
		call.Error = result.ErrorMessage
	}

	if len(call.Response) > maxResponseBytes {
		logger := opts.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Debug("truncating recorded response",
			"prompt_key", call.PromptKey,
			"bytes", len(call.Response))
		call.Response = call.Response[:maxResponseBytes]
	}

	return call
}
