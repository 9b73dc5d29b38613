package ingest

import (
	"strings"

	"github.com/abadojack/whatlanggo"
)

// detectSampleChars bounds how much text is inspected.
const detectSampleChars = 4000

// DetectLanguage returns the ISO 639-1 code of text, or "" when the guess is
// unreliable.
func DetectLanguage(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if len(text) > detectSampleChars {
		text = strings.ToValidUTF8(text[:detectSampleChars], "")
	}
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return ""
	}
	return info.Lang.Iso6391()
}
