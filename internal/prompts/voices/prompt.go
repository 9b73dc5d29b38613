// Package voices holds the prompts for the voice profile pass.
package voices

import (
	_ "embed"

	"github.com/jackzampolin/narrate/internal/prompts"
)

//go:embed system.tmpl
var systemPrompt string

//go:embed user.tmpl
var userPrompt string

const (
	SystemKey = "passes.voices.system"
	UserKey   = "passes.voices.user"
)

// Character is one entry in a voice batch.
type Character struct {
	Name   string
	Traits []string
}

// Data is the template input for UserKey.
type Data struct {
	Characters []Character
	Context    string
}

// SystemPrompt returns the embedded system prompt.
func SystemPrompt() string {
	return systemPrompt
}

// RegisterPrompts registers the voice prompts with the resolver.
func RegisterPrompts(r *prompts.Resolver) {
	r.Register(prompts.EmbeddedPrompt{
		Key:         SystemKey,
		Text:        systemPrompt,
		Description: "Voice casting system prompt",
	})
	r.Register(prompts.EmbeddedPrompt{
		Key:         UserKey,
		Text:        userPrompt,
		Description: "Voice casting batch prompt - traits and voice profile per character",
	})
}
