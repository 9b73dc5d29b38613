// Package llm defines the text-generation model collaborator used by the
// analysis pipeline, the outcome classification every pass relies on, and the
// exclusive handle that serializes access to a single model.
package llm

import (
	"context"
	"errors"
	"strings"
)

// Model generates text for a single prompt.
//
// Implementations signal a request that does not fit the model's window with
// ErrOverflow and a call that ran out of time with ErrTimeout. Any other error
// is treated as transient by callers.
type Model interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Request is one generation call.
type Request struct {
	System          string
	User            string
	MaxOutputTokens int
	Temperature     float64

	// Pass and PromptHash identify the prompt for call logging.
	Pass       string
	PromptHash string
}

var (
	// ErrOverflow means the prompt plus requested output exceeded a size limit.
	ErrOverflow = errors.New("llm: context overflow")

	// ErrTimeout means the generation call did not finish in time.
	ErrTimeout = errors.New("llm: generation timed out")
)

// ModelFunc adapts a function to the Model interface.
type ModelFunc func(ctx context.Context, req Request) (string, error)

// Generate calls f.
func (f ModelFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Kind is the classified outcome of a generation call.
type Kind int

const (
	KindOK Kind = iota
	KindOverflow
	KindTimeout
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindOverflow:
		return "overflow"
	case KindTimeout:
		return "timeout"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Retryable reports whether the outcome calls for a smaller retry.
func (k Kind) Retryable() bool {
	return k == KindOverflow || k == KindTimeout
}

// overflowMarkers appear in the text some local runtimes return in place of an
// error when the KV cache or context window is exhausted.
var overflowMarkers = []string{
	"context overflow",
	"context length exceeded",
	"exceeds context",
	"kv cache is full",
	"failed to find kv cache slot",
	"prompt is too long",
}

// Classify maps a generation result onto a Kind.
func Classify(text string, err error) Kind {
	switch {
	case err == nil:
		if IsOverflowText(text) {
			return KindOverflow
		}
		return KindOK
	case errors.Is(err, ErrOverflow):
		return KindOverflow
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindTransient
	}
}

// IsOverflowText reports whether a successful response body is really an
// overflow notice. Text that starts like JSON is never treated as a notice.
func IsOverflowText(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" || t[0] == '{' || t[0] == '[' || t[0] == '`' {
		return false
	}
	lower := strings.ToLower(t)
	for _, m := range overflowMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
