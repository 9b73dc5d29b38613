// Package voices maps voice profiles onto speakers of a multi-speaker
// synthesis model trained on VCTK.
package voices

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/jackzampolin/narrate/internal/pipeline"
)

// Range is an inclusive block of speaker ids sharing a voice category.
type Range struct {
	Name string
	Lo   int
	Hi   int
}

// Contains reports whether id falls inside the range.
func (r Range) Contains(id int) bool {
	return id >= r.Lo && id <= r.Hi
}

// Width returns the number of speakers in the range.
func (r Range) Width() int {
	return r.Hi - r.Lo + 1
}

func (r Range) String() string {
	return fmt.Sprintf("%s(%d-%d)", r.Name, r.Lo, r.Hi)
}

// VCTK speaker ranges.
var (
	FemaleYoung = Range{Name: "female-young", Lo: 10, Hi: 30}
	FemaleAdult = Range{Name: "female-adult", Lo: 31, Hi: 50}
	MaleYoung   = Range{Name: "male-young", Lo: 51, Hi: 70}
	MaleAdult   = Range{Name: "male-adult", Lo: 71, Hi: 90}
	Elderly     = Range{Name: "elderly", Lo: 91, Hi: 108}
	Any         = Range{Name: "any", Lo: 10, Hi: 108}
)

// RangeFor picks the speaker range for a profile. Unknown or neutral
// genders fall back to the whole catalog.
func RangeFor(profile *pipeline.VoiceProfile) Range {
	if profile == nil {
		return Any
	}
	age := ageGroup(profile.Age)
	if age == "elderly" {
		return Elderly
	}
	switch genderOf(profile.Gender) {
	case "female":
		if age == "young" {
			return FemaleYoung
		}
		return FemaleAdult
	case "male":
		if age == "young" {
			return MaleYoung
		}
		return MaleAdult
	default:
		return Any
	}
}

func genderOf(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "female", "f", "woman", "girl":
		return "female"
	case "male", "m", "man", "boy":
		return "male"
	default:
		return ""
	}
}

func ageGroup(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "child", "kid", "young", "teen", "teenager", "youth":
		return "young"
	case "elderly", "old", "senior", "aged":
		return "elderly"
	default:
		return "adult"
	}
}

// Matcher assigns speakers deterministically from a character's name and
// profile.
type Matcher struct {
	logger *slog.Logger
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithLogger sets the matcher's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Matcher) { m.logger = logger }
}

// NewMatcher returns a VCTK speaker matcher.
func NewMatcher(opts ...Option) *Matcher {
	m := &Matcher{logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "voices")
	return m
}

// Match keeps a suggested id when it lies inside the profile's range and
// otherwise hashes the character key into that range.
func (m *Matcher) Match(name string, traits []string, profile *pipeline.VoiceProfile, suggested *int) int {
	r := RangeFor(profile)
	if suggested != nil && r.Contains(*suggested) {
		return *suggested
	}

	id := r.Lo + int(xxhash.Sum64String(pipeline.Key(name))%uint64(r.Width()))
	if suggested != nil {
		m.logger.Debug("suggested speaker outside range",
			"character", name,
			"suggested", *suggested,
			"range", r.String(),
			"assigned", id)
	}
	return id
}

var _ pipeline.SpeakerMatcher = (*Matcher)(nil)
