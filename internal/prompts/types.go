// Package prompts provides prompt management with embedded defaults and
// file-based overrides.
//
// The package supports a hybrid model where:
//   - Embedded .tmpl files in code are the source of truth for defaults
//   - Files under the prompts directory (<home>/prompts/<key>.tmpl) override them
//
// Resolution order:
//  1. Override file (if it exists)
//  2. Embedded default (from .tmpl files in code)
//
// Every resolved prompt carries the SHA256 of its text so LLM calls can be
// linked back to the exact prompt version used.
package prompts

import (
	"time"
)

// Override represents a prompt customization stored on disk.
type Override struct {
	Key     string    `json:"key"`
	Text    string    `json:"text"`
	Path    string    `json:"path"`
	ModTime time.Time `json:"mod_time"`
}

// ResolvedPrompt is the result of resolving a prompt key.
type ResolvedPrompt struct {
	Key        string   `json:"key"`
	Text       string   `json:"text"`
	Variables  []string `json:"variables,omitempty"`
	IsOverride bool     `json:"is_override"`
	Hash       string   `json:"hash"`
}

// EmbeddedPrompt represents a prompt loaded from an embedded .tmpl file.
type EmbeddedPrompt struct {
	Key         string   // Hierarchical key: passes.characters.system
	Text        string   // The prompt text (Go template)
	Description string   // Human-readable description
	Variables   []string // Extracted template variables
	Hash        string   // SHA256 hash of the text for change detection
}
