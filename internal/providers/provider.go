package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// LLMClient is the interface for chat completion requests.
type LLMClient interface {
	// Chat sends a chat completion request.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error)

	// Name returns the client identifier (e.g., "openrouter").
	Name() string
}

// ErrContextLength is returned when a provider rejects a request because the
// prompt plus requested output does not fit the model's context window.
var ErrContextLength = errors.New("context length exceeded")

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// ResponseFormat specifies structured output format.
type ResponseFormat struct {
	Type       string          `json:"type"` // "json_object" or "json_schema"
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

// ChatRequest is a request to an LLM.
type ChatRequest struct {
	// Required
	Messages []Message `json:"messages"`

	// Model selection (uses client default if empty)
	Model string `json:"model,omitempty"`

	// Generation parameters
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Timeout     time.Duration

	// Structured output
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`

	// Request tracking
	RequestID string `json:"-"`
}

// ChatResult is the complete response from an LLM call.
type ChatResult struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`

	// Token counts
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	// Cost and timing
	CostUSD       float64       `json:"cost_usd"`
	ExecutionTime time.Duration `json:"execution_time"`
	TotalTime     time.Duration `json:"total_time"`

	// Provider info
	Provider  string `json:"provider"`
	ModelUsed string `json:"model_used"`

	// Request tracking
	RequestID string `json:"request_id"`
	Attempts  int    `json:"attempts"`

	// Success/error
	Success      bool   `json:"success"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// StatusError is a non-success HTTP response from a provider.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// contextLengthMarkers are substrings providers use when a prompt is too long.
var contextLengthMarkers = []string{
	"context length",
	"context_length",
	"maximum context",
	"context window",
	"too many tokens",
	"prompt is too long",
	"exceeds the maximum",
}

// IsContextLengthMessage reports whether an error body or message describes a
// context window overflow.
func IsContextLengthMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range contextLengthMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// classifyStatus wraps ErrContextLength around status errors that signal an
// oversized request.
func classifyStatus(err *StatusError) error {
	if err.StatusCode == http.StatusRequestEntityTooLarge ||
		(err.StatusCode == http.StatusBadRequest && IsContextLengthMessage(err.Body)) {
		return fmt.Errorf("%w: %w", ErrContextLength, err)
	}
	return err
}

// buildMessages creates the system and user message pair used by every pass.
func buildMessages(system, user string) []Message {
	msgs := make([]Message, 0, 2)
	if system != "" {
		msgs = append(msgs, Message{Role: "system", Content: system})
	}
	return append(msgs, Message{Role: "user", Content: user})
}

// NewChatRequest builds a system/user request with generation settings.
func NewChatRequest(system, user string, maxTokens int, temperature float64) *ChatRequest {
	return &ChatRequest{
		Messages:    buildMessages(system, user),
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
}
