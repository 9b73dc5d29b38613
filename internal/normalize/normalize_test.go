package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain object", `{"a":1}`, `{"a":1}`},
		{"fence with language", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"fence without language", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"fence on one line", "```json{\"a\":1}```", `{"a":1}`},
		{"boilerplate prefix", `Here is the JSON: {"a": 1}`, `{"a":1}`},
		{"prefix case-insensitive", `OUTPUT: ["x"]`, `["x"]`},
		{"trailing narration", `{"a":1} Hope this helps! {}`, `{"a":1}`},
		{"leading narration", `Sure. The characters are: ["Jax","Zane"] as requested.`, `["Jax","Zane"]`},
		{"bracketed prose before payload", `[Note] output follows {"a":1}`, `{"a":1}`},
		{"duplicate objects", `{"a":1}{"a":1}`, `{"a":1}`},
		{"duplicate objects across lines", "{\"a\":1}\n\n{\"a\":1}\n{\"a\":1}", `{"a":1}`},
		{"think block", `<think>maybe {x}</think>{"a":1}`, `{"a":1}`},
		{"trailing comma", `{"a":[1,2,],}`, `{"a":[1,2]}`},
		{"python literals", `{"ok": True, "none": None}`, `{"ok":true,"none":null}`},
		{"raw newline and bad escape in string", "{\"t\":\"line1\nline2 it\\'s\"}", `{"t":"line1\nline2 it's"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestNormalizeDuplicateKeys(t *testing.T) {
	t.Run("looping object is cut at first repeated key", func(t *testing.T) {
		raw := `{"name":"Jax","traits":["x"],"name":"Jax","traits":["x"],"name":"Ja`
		got, err := Normalize(raw)
		require.NoError(t, err)
		assert.Equal(t, `{"name":"Jax","traits":["x"]}`, string(got))
	})

	t.Run("comparison ignores case", func(t *testing.T) {
		got, err := Normalize(`{"A":1,"a":2}`)
		require.NoError(t, err)
		assert.Equal(t, `{"A":1}`, string(got))
	})

	t.Run("nested object closes and parent continues", func(t *testing.T) {
		got, err := Normalize(`{"v":{"p":1,"p":2,"q":3},"t":["x"]}`)
		require.NoError(t, err)
		assert.Equal(t, `{"v":{"p":1},"t":["x"]}`, string(got))
	})
}

func TestNormalizeRepairsTruncation(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "cut inside string drops partial member",
			raw:  `{"dialogs":[{"speaker":"Jax","text":"Hello"},{"speaker":"Zane","te`,
			want: `{"dialogs":[{"speaker":"Jax","text":"Hello"},{"speaker":"Zane"}]}`,
		},
		{
			name: "cut inside number drops element",
			raw:  `[1, 2, 3`,
			want: `[1,2]`,
		},
		{
			name: "cut after colon",
			raw:  `{"a":1,"b":`,
			want: `{"a":1}`,
		},
		{
			name: "empty partial element is dropped",
			raw:  `{"names":["Jax"],"items":[{"x":1},{`,
			want: `{"names":["Jax"],"items":[{"x":1}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
			assert.True(t, json.Valid(got))
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		`{"b":1,"a":[true,null,"x"],"c":{"d":-1.5e3}}`,
		`[{"speaker":"Jax","text":"He said \"hi\" é"}]`,
		"{\n  \"z\": 1,\n  \"y\": [\n    2,\n    3\n  ]\n}",
	}

	for _, in := range inputs {
		got, err := Normalize(in)
		require.NoError(t, err)

		var want bytes.Buffer
		require.NoError(t, json.Compact(&want, []byte(in)))
		assert.Equal(t, want.String(), string(got))

		again, err := Normalize(string(got))
		require.NoError(t, err)
		assert.Equal(t, string(got), string(again))
	}
}

func TestNormalizeMalformed(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"no json here",
		`{"a" 1}`,
		`"just a string"`,
		`<think>still thinking {"a":1}`,
	}

	for _, in := range inputs {
		_, err := Normalize(in)
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("Normalize(%q): expected ErrMalformed, got %v", in, err)
		}
	}
}

type aliasProbe struct {
	Character string   `json:"character"`
	Dialogs   []string `json:"dialogs"`
	Traits    []string `json:"traits"`
	Voice     string   `json:"voice"`
}

func TestDecodeAliases(t *testing.T) {
	t.Run("short and long names decode identically", func(t *testing.T) {
		var short, long aliasProbe
		require.NoError(t, Decode(json.RawMessage(`{"D":["x"]}`), &short))
		require.NoError(t, Decode(json.RawMessage(`{"dialogs":["x"]}`), &long))
		assert.Equal(t, long, short)
		assert.Equal(t, []string{"x"}, short.Dialogs)
	})

	t.Run("every alias set", func(t *testing.T) {
		var got aliasProbe
		require.NoError(t, Decode(json.RawMessage(`{"name":"Jax","d":["hi"],"T":["gruff"],"voice_profile":"male"}`), &got))
		assert.Equal(t, aliasProbe{
			Character: "Jax",
			Dialogs:   []string{"hi"},
			Traits:    []string{"gruff"},
			Voice:     "male",
		}, got)
	})

	t.Run("canonical name wins over aliases", func(t *testing.T) {
		var got aliasProbe
		require.NoError(t, Decode(json.RawMessage(`{"D":["short"],"dialogs":["canonical"]}`), &got))
		assert.Equal(t, []string{"canonical"}, got.Dialogs)
	})

	t.Run("long alternate wins over single letter", func(t *testing.T) {
		var got aliasProbe
		require.NoError(t, Decode(json.RawMessage(`{"t":["short"],"trait":["long"]}`), &got))
		assert.Equal(t, []string{"long"}, got.Traits)
	})

	t.Run("nested objects are canonicalized", func(t *testing.T) {
		var got struct {
			Characters []aliasProbe `json:"characters"`
		}
		require.NoError(t, Decode(json.RawMessage(`{"characters":[{"C":"Mina","T":["calm"]}]}`), &got))
		require.Len(t, got.Characters, 1)
		assert.Equal(t, "Mina", got.Characters[0].Character)
		assert.Equal(t, []string{"calm"}, got.Characters[0].Traits)
	})
}

func TestValidate(t *testing.T) {
	schema := []byte(`{
		"type": "object",
		"required": ["dialogs"],
		"properties": {"dialogs": {"type": "array"}}
	}`)

	t.Run("alias satisfies canonical schema", func(t *testing.T) {
		assert.NoError(t, Validate(schema, json.RawMessage(`{"D":[]}`)))
	})

	t.Run("missing field is malformed", func(t *testing.T) {
		err := Validate(schema, json.RawMessage(`{"x":1}`))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("empty schema accepts anything", func(t *testing.T) {
		assert.NoError(t, Validate(nil, json.RawMessage(`[1]`)))
	})
}

func TestCanonical(t *testing.T) {
	got, err := Canonical(json.RawMessage(`{"dialogue":[{"name":"Jax","V":"male"}]}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"dialogs":[{"character":"Jax","voice":"male"}]}`, string(got))

	_, err = Canonical(json.RawMessage(`{"a":`))
	assert.ErrorIs(t, err, ErrMalformed)
}
