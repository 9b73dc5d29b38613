// Package dialogs holds the prompts for the dialog attribution pass.
package dialogs

import (
	_ "embed"

	"github.com/jackzampolin/narrate/internal/prompts"
)

//go:embed system.tmpl
var systemPrompt string

//go:embed user.tmpl
var userPrompt string

const (
	SystemKey = "passes.dialogs.system"
	UserKey   = "passes.dialogs.user"
)

// Data is the template input for UserKey. Names are the known characters on
// the page in sorted order.
type Data struct {
	Names []string
	Text  string
}

// SystemPrompt returns the embedded system prompt.
func SystemPrompt() string {
	return systemPrompt
}

// RegisterPrompts registers the dialog prompts with the resolver.
func RegisterPrompts(r *prompts.Resolver) {
	r.Register(prompts.EmbeddedPrompt{
		Key:         SystemKey,
		Text:        systemPrompt,
		Description: "Dialog extraction system prompt",
	})
	r.Register(prompts.EmbeddedPrompt{
		Key:         UserKey,
		Text:        userPrompt,
		Description: "Dialog extraction page prompt - attributes quoted speech to known characters",
	})
}
