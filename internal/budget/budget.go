// Package budget converts token allocations into character limits and
// truncates text to fit them.
package budget

import (
	"strings"
	"unicode/utf8"
)

// CharsPerToken is a conservative ratio, not an exact per-language count.
const CharsPerToken = 4

// TokenBudget is the token allocation for one model call.
type TokenBudget struct {
	PromptTokens int `mapstructure:"prompt_tokens" yaml:"prompt_tokens" json:"prompt_tokens"`
	InputTokens  int `mapstructure:"input_tokens" yaml:"input_tokens" json:"input_tokens"`
	OutputTokens int `mapstructure:"output_tokens" yaml:"output_tokens" json:"output_tokens"`
}

// CharLimit returns the character limit for the input portion of a budget.
func CharLimit(b TokenBudget) int {
	return b.InputTokens * CharsPerToken
}

// EstimateTokens approximates the token count of s.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + CharsPerToken - 1) / CharsPerToken
}

var sentenceSeparators = []string{". ", "! ", "? ", ".\n", "!\n", "?\n"}

// Truncate shortens text to at most limit bytes. It cuts at the last
// paragraph break past half the limit, else the last sentence end past half
// the limit, else the last space past half the limit, else hard at the limit.
// The cut never splits a UTF-8 sequence and trailing whitespace is trimmed.
func Truncate(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(text) <= limit {
		return text
	}

	end := limit
	for end > 0 && !utf8.RuneStart(text[end]) {
		end--
	}
	window := text[:end]
	half := limit / 2

	if idx := strings.LastIndex(window, "\n\n"); idx > half {
		return strings.TrimRight(window[:idx+2], " \t\r\n")
	}

	best := -1
	for _, sep := range sentenceSeparators {
		if idx := strings.LastIndex(window, sep); idx > best {
			best = idx
		}
	}
	if best > half {
		return strings.TrimRight(window[:best+1], " \t\r\n")
	}

	if idx := strings.LastIndexByte(window, ' '); idx > half {
		return strings.TrimRight(window[:idx], " \t\r\n")
	}

	return strings.TrimRight(window, " \t\r\n")
}

// ShrinkLimit scales a character limit by the same proportion an output token
// allowance was reduced.
func ShrinkLimit(limit, oldTokens, newTokens int) int {
	if oldTokens <= 0 || newTokens >= oldTokens {
		return limit
	}
	scaled := int(int64(limit) * int64(newTokens) / int64(oldTokens))
	if scaled < 1 {
		return 1
	}
	return scaled
}
