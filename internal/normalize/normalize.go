// Package normalize turns raw model output into canonical JSON.
//
// Models wrap JSON in markdown fences, prefix it with commentary, repeat
// themselves, loop on the same key until they run out of tokens, and get cut
// off mid-value. Normalize recovers the first usable JSON value from all of
// those; Decode then maps short and alternate field names onto canonical ones
// before the result reaches typed structs.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrMalformed is returned when no JSON value can be recovered from the output.
var ErrMalformed = errors.New("malformed model output")

// maxCandidates bounds how many opening brackets are tried before giving up.
// Prose like "[Note]" ahead of the payload would otherwise fail the whole parse.
const maxCandidates = 8

// boilerplatePrefixes are stripped case-insensitively from the start of output.
var boilerplatePrefixes = []string{
	"here is the json:",
	"here's the json:",
	"here is the output:",
	"here's the output:",
	"json output:",
	"json:",
	"output:",
	"response:",
	"answer:",
	"result:",
}

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

// Normalize extracts the first JSON object or array from raw model output and
// returns it compacted. Key order is preserved, so canonical JSON passes
// through unchanged apart from whitespace.
func Normalize(raw string) (json.RawMessage, error) {
	content := stripThinking(raw)
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: empty output", ErrMalformed)
	}
	content = stripCodeFences(content)
	content = stripPrefixes(content)

	var lastErr error
	offset := 0
	for i := 0; i < maxCandidates; i++ {
		idx := strings.IndexAny(content[offset:], "{[")
		if idx < 0 {
			break
		}
		start := offset + idx
		payload, err := scan(content[start:])
		if err == nil {
			if !json.Valid(payload) {
				lastErr = fmt.Errorf("recovered payload is not valid JSON")
			} else {
				var buf bytes.Buffer
				if err := json.Compact(&buf, payload); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
				}
				return buf.Bytes(), nil
			}
		} else {
			lastErr = err
		}
		offset = start + 1
	}

	if lastErr == nil {
		return nil, fmt.Errorf("%w: no JSON payload found", ErrMalformed)
	}
	return nil, fmt.Errorf("%w: %v", ErrMalformed, lastErr)
}

// stripThinking drops reasoning blocks emitted by some local models. An
// unterminated block means the model never reached its answer.
func stripThinking(content string) string {
	content = thinkBlock.ReplaceAllString(content, "")
	if idx := strings.Index(content, "<think>"); idx >= 0 {
		content = content[:idx]
	}
	return content
}

// stripCodeFences removes a leading fence (with optional language tag) and a
// trailing fence. Fences on the same line as the payload are handled too.
func stripCodeFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = trimmed[3:]
		i := 0
		for i < len(trimmed) && isTagByte(trimmed[i]) {
			i++
		}
		trimmed = trimmed[i:]
	}
	trimmed = strings.TrimSpace(trimmed)
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

func isTagByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_' || c == '+'
}

func stripPrefixes(content string) string {
	for {
		stripped := false
		for _, p := range boilerplatePrefixes {
			if len(content) >= len(p) && strings.EqualFold(content[:len(p)], p) {
				content = strings.TrimSpace(content[len(p):])
				stripped = true
			}
		}
		if !stripped {
			return content
		}
	}
}
