package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/cases"
)

// StepID identifies a pipeline step. The integer values are persisted in
// checkpoints and must not be renumbered.
type StepID int

const (
	StepNone       StepID = 0
	StepCharacters StepID = 1
	StepDialogs    StepID = 2
	StepComplete   StepID = 3
)

// StepVoices is the final step; completing it completes the pipeline.
const StepVoices = StepComplete

func (s StepID) String() string {
	switch s {
	case StepNone:
		return "none"
	case StepCharacters:
		return "characters"
	case StepDialogs:
		return "dialogs"
	case StepComplete:
		return "voices"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// Valid reports whether s is a known ordinal.
func (s StepID) Valid() bool {
	return s >= StepNone && s <= StepComplete
}

var folder = cases.Fold()

// Key returns the identity of a character name: trimmed and casefolded.
func Key(name string) string {
	return folder.String(strings.TrimSpace(name))
}

// ContentHash hashes the ordered pages. Each page is followed by a zero byte
// so moving text across a page boundary changes the hash.
func ContentHash(pages []string) int64 {
	d := xxhash.New()
	for _, p := range pages {
		d.WriteString(p)
		d.Write([]byte{0})
	}
	return int64(d.Sum64())
}

// PageSet is a set of page indexes serialized as a sorted array.
type PageSet map[int]struct{}

// Add inserts page.
func (s PageSet) Add(page int) {
	s[page] = struct{}{}
}

// Has reports whether page is in the set.
func (s PageSet) Has(page int) bool {
	_, ok := s[page]
	return ok
}

// Sorted returns the pages in ascending order.
func (s PageSet) Sorted() []int {
	out := make([]int, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// MarshalJSON encodes the set as a sorted array.
func (s PageSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes an array of page indexes.
func (s *PageSet) UnmarshalJSON(data []byte) error {
	var pages []int
	if err := json.Unmarshal(data, &pages); err != nil {
		return err
	}
	set := make(PageSet, len(pages))
	for _, p := range pages {
		set.Add(p)
	}
	*s = set
	return nil
}

// DialogLine is one attributed line of speech.
type DialogLine struct {
	PageNumber int     `json:"page_number"`
	Text       string  `json:"text"`
	Emotion    string  `json:"emotion"`
	Intensity  float64 `json:"intensity"`
}

// CharacterData accumulates everything known about one character.
type CharacterData struct {
	Name              string        `json:"name"`
	PagesAppearing    PageSet       `json:"pages_appearing"`
	DialogLines       []DialogLine  `json:"dialog_lines,omitempty"`
	Traits            []string      `json:"traits,omitempty"`
	VoiceProfile      *VoiceProfile `json:"voice_profile,omitempty"`
	AssignedSpeakerID *int          `json:"assigned_speaker_id,omitempty"`
}

// NewCharacterData returns an entry for name seen on page.
func NewCharacterData(name string, page int) *CharacterData {
	c := &CharacterData{Name: strings.TrimSpace(name), PagesAppearing: PageSet{}}
	c.PagesAppearing.Add(page)
	return c
}

// Clone returns a deep copy.
func (c *CharacterData) Clone() *CharacterData {
	if c == nil {
		return nil
	}
	out := &CharacterData{
		Name:           c.Name,
		PagesAppearing: make(PageSet, len(c.PagesAppearing)),
		DialogLines:    append([]DialogLine(nil), c.DialogLines...),
		Traits:         append([]string(nil), c.Traits...),
		VoiceProfile:   c.VoiceProfile.Clone(),
	}
	for p := range c.PagesAppearing {
		out.PagesAppearing.Add(p)
	}
	if c.AssignedSpeakerID != nil {
		id := *c.AssignedSpeakerID
		out.AssignedSpeakerID = &id
	}
	return out
}

// MergeTraits appends traits not already present, compared by Key.
func (c *CharacterData) MergeTraits(traits []string) {
	seen := make(map[string]bool, len(c.Traits))
	for _, t := range c.Traits {
		seen[Key(t)] = true
	}
	for _, t := range traits {
		t = strings.TrimSpace(t)
		k := Key(t)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		c.Traits = append(c.Traits, t)
	}
}

// AnalysisContext is the accumulating state for one chapter.
type AnalysisContext struct {
	BookID           int64
	ChapterID        int64
	ContentHash      int64
	Pages            []string
	Language         string // detected language name, used as a prompt hint
	Characters       map[string]*CharacterData
	TotalDialogLines int
	PagesProcessed   int
}

// NewAnalysisContext returns a fresh context for pages.
func NewAnalysisContext(bookID, chapterID int64, pages []string) *AnalysisContext {
	return &AnalysisContext{
		BookID:      bookID,
		ChapterID:   chapterID,
		ContentHash: ContentHash(pages),
		Pages:       pages,
		Characters:  make(map[string]*CharacterData),
	}
}

// Observe records that name appears on page and returns its entry. Empty
// names are ignored and return nil.
func (a *AnalysisContext) Observe(name string, page int) *CharacterData {
	k := Key(name)
	if k == "" {
		return nil
	}
	if c, ok := a.Characters[k]; ok {
		if c.PagesAppearing == nil {
			c.PagesAppearing = PageSet{}
		}
		c.PagesAppearing.Add(page)
		return c
	}
	c := NewCharacterData(name, page)
	a.Characters[k] = c
	return c
}

// Lookup returns the entry for name.
func (a *AnalysisContext) Lookup(name string) (*CharacterData, bool) {
	c, ok := a.Characters[Key(name)]
	return c, ok
}

// Keys returns the character keys in sorted order.
func (a *AnalysisContext) Keys() []string {
	keys := make([]string, 0, len(a.Characters))
	for k := range a.Characters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NamesOnPage returns display names of characters seen on page, sorted by key.
func (a *AnalysisContext) NamesOnPage(page int) []string {
	var names []string
	for _, k := range a.Keys() {
		if c := a.Characters[k]; c.PagesAppearing.Has(page) {
			names = append(names, c.Name)
		}
	}
	return names
}

// CloneCharacters returns a deep copy of the character map.
func (a *AnalysisContext) CloneCharacters() map[string]*CharacterData {
	out := make(map[string]*CharacterData, len(a.Characters))
	for k, c := range a.Characters {
		out[k] = c.Clone()
	}
	return out
}
