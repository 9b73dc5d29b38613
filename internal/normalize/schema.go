package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	schemaMu    sync.Mutex
	schemaCache = make(map[string]*jsonschema.Schema)
)

// Validate checks a normalized document against a JSON schema. Aliases are
// canonicalized first so schemas only need to name canonical fields. An empty
// schema accepts everything.
func Validate(schemaRaw []byte, raw json.RawMessage) error {
	if len(schemaRaw) == 0 || len(raw) == 0 {
		return nil
	}

	schema, err := compile(schemaRaw)
	if err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: failed to decode for validation: %v", ErrMalformed, err)
	}

	if err := schema.Validate(Canonicalize(doc)); err != nil {
		return fmt.Errorf("%w: does not match schema: %v", ErrMalformed, err)
	}
	return nil
}

func compile(schemaRaw []byte) (*jsonschema.Schema, error) {
	key := string(schemaRaw)

	schemaMu.Lock()
	defer schemaMu.Unlock()
	if s, ok := schemaCache[key]; ok {
		return s, nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(schemaRaw)); err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	s, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	schemaCache[key] = s
	return s, nil
}
