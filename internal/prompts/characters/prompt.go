// Package characters holds the prompts for the character name pass.
package characters

import (
	_ "embed"

	"github.com/jackzampolin/narrate/internal/prompts"
)

//go:embed system.tmpl
var systemPrompt string

//go:embed user.tmpl
var userPrompt string

const (
	// SystemKey is the hierarchical key for the system prompt.
	SystemKey = "passes.characters.system"
	// UserKey is the hierarchical key for the per-page prompt.
	UserKey = "passes.characters.user"
)

// Data is the template input for UserKey.
type Data struct {
	Text     string
	Language string
}

// SystemPrompt returns the embedded system prompt.
func SystemPrompt() string {
	return systemPrompt
}

// RegisterPrompts registers the character prompts with the resolver.
func RegisterPrompts(r *prompts.Resolver) {
	r.Register(prompts.EmbeddedPrompt{
		Key:         SystemKey,
		Text:        systemPrompt,
		Description: "Character extraction system prompt",
	})
	r.Register(prompts.EmbeddedPrompt{
		Key:         UserKey,
		Text:        userPrompt,
		Description: "Character extraction page prompt - lists proper names present on one page",
	})
}
