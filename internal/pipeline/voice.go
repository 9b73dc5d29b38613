package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DialogEmotions is the vocabulary the dialog pass asks for.
var DialogEmotions = []string{
	"neutral", "happy", "sad", "angry", "surprised",
	"fearful", "excited", "worried", "curious", "defiant",
}

// EmotionBiasKeys are the emotions a voice profile may weight.
var EmotionBiasKeys = []string{
	"happy", "sad", "angry", "neutral", "fear",
	"surprise", "excited", "disappointed", "curious", "defiant",
}

const (
	DefaultEmotion   = "neutral"
	DefaultIntensity = 0.5

	minProsody = 0.5
	maxProsody = 1.5
)

// VoiceProfile describes how a character should sound.
type VoiceProfile struct {
	Gender      string             `json:"gender"`
	Age         string             `json:"age"`
	Tone        string             `json:"tone,omitempty"`
	Accent      string             `json:"accent,omitempty"`
	Pitch       float64            `json:"pitch"`
	Speed       float64            `json:"speed"`
	Energy      float64            `json:"energy"`
	EmotionBias map[string]float64 `json:"emotion_bias,omitempty"`

	// SpeakerID is the model's suggestion. It is a hint for the matcher and
	// is not persisted on the profile.
	SpeakerID *int `json:"-"`
}

// DefaultVoiceProfile is assigned to characters the voice pass did not cover.
func DefaultVoiceProfile() *VoiceProfile {
	return &VoiceProfile{
		Gender: "neutral",
		Age:    "adult",
		Tone:   "neutral",
		Accent: "neutral",
		Pitch:  1.0,
		Speed:  1.0,
		Energy: 1.0,
	}
}

// Clone returns a deep copy.
func (v *VoiceProfile) Clone() *VoiceProfile {
	if v == nil {
		return nil
	}
	out := *v
	if v.EmotionBias != nil {
		out.EmotionBias = make(map[string]float64, len(v.EmotionBias))
		for k, b := range v.EmotionBias {
			out.EmotionBias[k] = b
		}
	}
	if v.SpeakerID != nil {
		id := *v.SpeakerID
		out.SpeakerID = &id
	}
	return &out
}

// Clamp fills missing prosody with 1.0 and bounds every value.
func (v *VoiceProfile) Clamp() {
	v.Gender = strings.ToLower(strings.TrimSpace(v.Gender))
	v.Age = strings.ToLower(strings.TrimSpace(v.Age))
	if v.Gender == "" {
		v.Gender = "neutral"
	}
	if v.Age == "" {
		v.Age = "adult"
	}
	v.Pitch = clampProsody(v.Pitch)
	v.Speed = clampProsody(v.Speed)
	v.Energy = clampProsody(v.Energy)
	for k, b := range v.EmotionBias {
		v.EmotionBias[k] = clamp(b, 0, 1)
	}
}

func clampProsody(x float64) float64 {
	if x == 0 {
		return 1.0
	}
	return clamp(x, minProsody, maxProsody)
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// wireVoice is the object form as models emit it.
type wireVoice struct {
	Gender      string            `json:"gender"`
	Age         string            `json:"age"`
	Tone        string            `json:"tone"`
	Accent      string            `json:"accent"`
	Pitch       Number            `json:"pitch"`
	Speed       Number            `json:"speed"`
	Energy      Number            `json:"energy"`
	EmotionBias map[string]Number `json:"emotion_bias"`
	SpeakerID   *Number           `json:"speaker_id"`
}

// UnmarshalJSON accepts either an object or the compact string
// "gender,age,accent,pitch,speed".
func (v *VoiceProfile) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		p, err := ParseCompactVoice(s)
		if err != nil {
			return err
		}
		*v = *p
		return nil
	}

	var w wireVoice
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*v = VoiceProfile{
		Gender: w.Gender,
		Age:    w.Age,
		Tone:   w.Tone,
		Accent: w.Accent,
		Pitch:  float64(w.Pitch),
		Speed:  float64(w.Speed),
		Energy: float64(w.Energy),
	}
	if len(w.EmotionBias) > 0 {
		v.EmotionBias = make(map[string]float64, len(w.EmotionBias))
		for k, b := range w.EmotionBias {
			v.EmotionBias[strings.ToLower(k)] = float64(b)
		}
	}
	if w.SpeakerID != nil {
		id := int(*w.SpeakerID)
		v.SpeakerID = &id
	}
	return nil
}

// ParseCompactVoice parses "gender,age,accent,pitch,speed". Missing trailing
// fields take defaults; unparseable numbers are an error.
func ParseCompactVoice(s string) (*VoiceProfile, error) {
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	v := DefaultVoiceProfile()
	if len(parts) > 0 && parts[0] != "" {
		v.Gender = parts[0]
	}
	if len(parts) > 1 && parts[1] != "" {
		v.Age = parts[1]
	}
	if len(parts) > 2 && parts[2] != "" {
		v.Accent = parts[2]
	}
	if len(parts) > 3 && parts[3] != "" {
		f, err := strconv.ParseFloat(parts[3], 64)
		if err != nil {
			return nil, fmt.Errorf("compact voice pitch %q: %w", parts[3], err)
		}
		v.Pitch = f
	}
	if len(parts) > 4 && parts[4] != "" {
		f, err := strconv.ParseFloat(parts[4], 64)
		if err != nil {
			return nil, fmt.Errorf("compact voice speed %q: %w", parts[4], err)
		}
		v.Speed = f
	}
	return v, nil
}

// Number decodes a JSON number, a numeric string, or null.
type Number float64

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", s)
		}
		*n = Number(f)
		return nil
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid number %s", data)
	}
	*n = Number(f)
	return nil
}
