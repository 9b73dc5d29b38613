package dialogs

// Schema accepts an object with a dialogs array or a bare array of lines.
var Schema = []byte(`{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "definitions": {
    "lines": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "speaker": {"type": ["string", "null"]},
          "text": {"type": ["string", "null"]},
          "emotion": {"type": ["string", "null"]},
          "intensity": {"type": ["number", "string", "null"]}
        }
      }
    }
  },
  "anyOf": [
    {"$ref": "#/definitions/lines"},
    {
      "type": "object",
      "properties": {"dialogs": {"$ref": "#/definitions/lines"}},
      "required": ["dialogs"]
    }
  ]
}`)
