package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// aliasSets maps each canonical field name to its accepted spellings in
// precedence order. The canonical name always comes first and single-letter
// forms last, so a short alias is only used when nothing longer is present.
var aliasSets = map[string][]string{
	"dialogs":   {"dialogs", "dialogue", "dialogues", "D", "d"},
	"traits":    {"traits", "trait", "T", "t"},
	"voice":     {"voice", "voice_profile", "V", "v"},
	"character": {"character", "name", "C", "c"},
}

// aliasOf resolves any accepted spelling to its canonical name.
var aliasOf = func() map[string]string {
	m := make(map[string]string)
	for canonical, names := range aliasSets {
		for _, n := range names {
			m[n] = canonical
		}
	}
	return m
}()

// Decode canonicalizes field names in raw and unmarshals the result into v.
// raw is expected to come from Normalize.
func Decode(raw json.RawMessage, v any) error {
	canonical, err := Canonical(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(canonical, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Canonical returns raw with every aliased key rewritten to its canonical
// name. Object keys come back in sorted order.
func Canonical(raw json.RawMessage) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	canonical, err := json.Marshal(Canonicalize(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode canonical document: %w", err)
	}
	return canonical, nil
}

// Canonicalize rewrites aliased keys of every object in a decoded document.
// For each alias set the highest-precedence spelling present wins and the
// others are dropped.
func Canonicalize(doc any) any {
	switch node := doc.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, v := range node {
			if _, aliased := aliasOf[k]; aliased {
				continue
			}
			out[k] = Canonicalize(v)
		}
		for canonical, names := range aliasSets {
			for _, n := range names {
				if v, ok := node[n]; ok {
					out[canonical] = Canonicalize(v)
					break
				}
			}
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, v := range node {
			out[i] = Canonicalize(v)
		}
		return out
	default:
		return doc
	}
}
