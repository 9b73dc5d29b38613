package prompts

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"text/template"
)

// Resolver resolves prompts with file overrides.
// Resolution order: Override file > Embedded default
type Resolver struct {
	store    *Store
	embedded map[string]EmbeddedPrompt
	compiled map[string]*template.Template // by text hash
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewResolver creates a new prompt resolver. store may be nil, in which case
// only embedded defaults are used.
func NewResolver(store *Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:    store,
		embedded: make(map[string]EmbeddedPrompt),
		compiled: make(map[string]*template.Template),
		logger:   logger,
	}
}

// Register registers an embedded prompt.
// This should be called during initialization by each pass.
func (r *Resolver) Register(prompt EmbeddedPrompt) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Compute hash if not provided
	if prompt.Hash == "" {
		prompt.Hash = HashText(prompt.Text)
	}

	// Extract variables if not provided
	if prompt.Variables == nil {
		prompt.Variables = ExtractVariables(prompt.Text)
	}

	r.embedded[prompt.Key] = prompt
	r.logger.Debug("registered embedded prompt", "key", prompt.Key, "vars", prompt.Variables)
}

// Resolve returns the override for key if one exists, otherwise the embedded
// default.
func (r *Resolver) Resolve(ctx context.Context, key string) (*ResolvedPrompt, error) {
	if r.store != nil {
		override, err := r.store.Get(ctx, key)
		if err != nil {
			r.logger.Warn("failed to check prompt override", "key", key, "error", err)
			// Fall through to embedded default
		} else if override != nil {
			return &ResolvedPrompt{
				Key:        key,
				Text:       override.Text,
				Variables:  ExtractVariables(override.Text),
				IsOverride: true,
				Hash:       HashText(override.Text),
			}, nil
		}
	}

	r.mu.RLock()
	embedded, ok := r.embedded[key]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("prompt not found: %s", key)
	}

	return &ResolvedPrompt{
		Key:       key,
		Text:      embedded.Text,
		Variables: embedded.Variables,
		Hash:      embedded.Hash,
	}, nil
}

// Render resolves key and executes it against data. It returns the rendered
// text and the hash of the template used.
func (r *Resolver) Render(ctx context.Context, key string, data any) (string, string, error) {
	resolved, err := r.Resolve(ctx, key)
	if err != nil {
		return "", "", err
	}

	r.mu.RLock()
	tmpl, ok := r.compiled[resolved.Hash]
	r.mu.RUnlock()
	if !ok {
		tmpl, err = parseTemplate(key, resolved.Text)
		if err != nil {
			return "", "", err
		}
		r.mu.Lock()
		r.compiled[resolved.Hash] = tmpl
		r.mu.Unlock()
	}

	text, err := execute(tmpl, data)
	if err != nil {
		return "", "", err
	}
	return text, resolved.Hash, nil
}

// GetEmbedded returns the embedded default for a key (no override resolution).
func (r *Resolver) GetEmbedded(key string) (*EmbeddedPrompt, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.embedded[key]
	return &p, ok
}

// AllEmbedded returns all registered embedded prompts sorted by key.
func (r *Resolver) AllEmbedded() []EmbeddedPrompt {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]EmbeddedPrompt, 0, len(r.embedded))
	for _, p := range r.embedded {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result
}

// Validate compiles every embedded prompt and any override for it.
func (r *Resolver) Validate(ctx context.Context) error {
	for _, p := range r.AllEmbedded() {
		resolved, err := r.Resolve(ctx, p.Key)
		if err != nil {
			return err
		}
		if _, err := parseTemplate(p.Key, resolved.Text); err != nil {
			return err
		}
	}
	return nil
}
