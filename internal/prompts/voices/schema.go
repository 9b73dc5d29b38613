package voices

// Schema only requires a JSON container. Voice output arrives as an entry
// array, an object with a characters array, or a map keyed by name, so
// shape checks happen during decoding.
var Schema = []byte(`{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": ["object", "array"]
}`)
