package characters

// Schema accepts either a bare array of names or an object with a
// characters array. Entries may be names or objects carrying a name.
var Schema = []byte(`{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "definitions": {
    "names": {
      "type": "array",
      "items": {"type": ["string", "object", "null"]}
    }
  },
  "anyOf": [
    {"$ref": "#/definitions/names"},
    {
      "type": "object",
      "properties": {"characters": {"$ref": "#/definitions/names"}},
      "required": ["characters"]
    }
  ]
}`)
