package normalize

import (
	"fmt"
	"strconv"
	"strings"
)

// status describes how a value ended while scanning.
type status int

const (
	// complete means the value closed normally.
	complete status = iota
	// repaired means input ran out inside a container which was closed early.
	repaired
	// cut means input ran out before the value was usable.
	cut
)

// scanner copies the first JSON value out of model text, compacting it and
// applying the recoveries Normalize promises: trailing content is ignored, an
// object stops at its first duplicate key, and a value cut off mid-stream is
// closed at its last complete member.
type scanner struct {
	src string
	pos int
	out []byte
}

func scan(src string) ([]byte, error) {
	s := &scanner{src: src, out: make([]byte, 0, len(src))}
	st, err := s.value()
	if err != nil {
		return nil, err
	}
	if st == cut {
		return nil, fmt.Errorf("payload truncated before any complete value")
	}
	return s.out, nil
}

func (s *scanner) eof() bool { return s.pos >= len(s.src) }

func (s *scanner) skipSpace() {
	for s.pos < len(s.src) {
		switch s.src[s.pos] {
		case ' ', '\t', '\n', '\r':
			s.pos++
		default:
			return
		}
	}
}

func (s *scanner) value() (status, error) {
	s.skipSpace()
	if s.eof() {
		return cut, nil
	}
	switch s.src[s.pos] {
	case '{':
		return s.object()
	case '[':
		return s.array()
	case '"':
		return s.str()
	default:
		return s.literal()
	}
}

func (s *scanner) object() (status, error) {
	s.pos++
	s.out = append(s.out, '{')
	seen := make(map[string]struct{})
	members := 0

	for {
		s.skipSpace()
		if s.eof() {
			return s.closeEarly('}'), nil
		}
		switch s.src[s.pos] {
		case '}':
			s.pos++
			s.out = append(s.out, '}')
			return complete, nil
		case ',':
			// Stray and trailing commas are dropped; separators are re-emitted.
			s.pos++
			continue
		case '"':
		default:
			return cut, fmt.Errorf("expected object key at offset %d, found %q", s.pos, s.src[s.pos])
		}

		mark := len(s.out)
		if members > 0 {
			s.out = append(s.out, ',')
		}
		keyStart := len(s.out)
		st, err := s.str()
		if err != nil {
			return cut, err
		}
		if st != complete {
			s.out = s.out[:mark]
			return s.closeEarly('}'), nil
		}

		key := strings.ToLower(string(s.out[keyStart:]))
		if _, dup := seen[key]; dup {
			// The model started looping; everything from here on is noise.
			s.out = append(s.out[:mark], '}')
			if s.skipContainer() {
				return complete, nil
			}
			return repaired, nil
		}
		seen[key] = struct{}{}

		s.skipSpace()
		if s.eof() {
			s.out = s.out[:mark]
			return s.closeEarly('}'), nil
		}
		if s.src[s.pos] != ':' {
			return cut, fmt.Errorf("expected ':' at offset %d, found %q", s.pos, s.src[s.pos])
		}
		s.pos++
		s.out = append(s.out, ':')

		st, err = s.value()
		if err != nil {
			return cut, err
		}
		switch st {
		case cut:
			s.out = s.out[:mark]
			return s.closeEarly('}'), nil
		case repaired:
			s.out = append(s.out, '}')
			return repaired, nil
		}
		members++
	}
}

func (s *scanner) array() (status, error) {
	s.pos++
	s.out = append(s.out, '[')
	elems := 0

	for {
		s.skipSpace()
		if s.eof() {
			return s.closeEarly(']'), nil
		}
		switch s.src[s.pos] {
		case ']':
			s.pos++
			s.out = append(s.out, ']')
			return complete, nil
		case ',':
			s.pos++
			continue
		}

		mark := len(s.out)
		if elems > 0 {
			s.out = append(s.out, ',')
		}
		elemStart := len(s.out)
		st, err := s.value()
		if err != nil {
			return cut, err
		}
		switch st {
		case cut:
			s.out = s.out[:mark]
			return s.closeEarly(']'), nil
		case repaired:
			if e := string(s.out[elemStart:]); e == "{}" || e == "[]" {
				s.out = s.out[:mark]
			}
			s.out = append(s.out, ']')
			return repaired, nil
		}
		elems++
	}
}

func (s *scanner) closeEarly(c byte) status {
	s.out = append(s.out, c)
	return repaired
}

// skipContainer advances past the close of the container the scanner is
// currently inside. It reports false if input ends first.
func (s *scanner) skipContainer() bool {
	depth := 1
	inString := false
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		s.pos++
		if inString {
			switch c {
			case '\\':
				s.pos++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return true
			}
		}
	}
	return false
}

func (s *scanner) str() (status, error) {
	s.pos++
	s.out = append(s.out, '"')
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		switch {
		case c == '"':
			s.pos++
			s.out = append(s.out, '"')
			return complete, nil
		case c == '\\':
			if s.pos+1 >= len(s.src) {
				return cut, nil
			}
			next := s.src[s.pos+1]
			switch next {
			case '"', '\\', '/', 'b', 'f', 'n', 'r', 't':
				s.out = append(s.out, c, next)
				s.pos += 2
			case 'u':
				if s.pos+6 > len(s.src) {
					return cut, nil
				}
				if _, err := strconv.ParseUint(s.src[s.pos+2:s.pos+6], 16, 16); err != nil {
					return cut, fmt.Errorf("invalid unicode escape at offset %d", s.pos)
				}
				s.out = append(s.out, s.src[s.pos:s.pos+6]...)
				s.pos += 6
			default:
				// Invalid escapes like \' keep the character and lose the backslash.
				s.out = append(s.out, next)
				s.pos += 2
			}
		case c == '\n':
			s.out = append(s.out, '\\', 'n')
			s.pos++
		case c == '\r':
			s.out = append(s.out, '\\', 'r')
			s.pos++
		case c == '\t':
			s.out = append(s.out, '\\', 't')
			s.pos++
		case c < 0x20:
			s.out = append(s.out, fmt.Sprintf(`\u%04x`, c)...)
			s.pos++
		default:
			s.out = append(s.out, c)
			s.pos++
		}
	}
	return cut, nil
}

func (s *scanner) literal() (status, error) {
	start := s.pos
	for s.pos < len(s.src) && isLiteralByte(s.src[s.pos]) {
		s.pos++
	}
	if s.pos == start {
		return cut, fmt.Errorf("unexpected %q at offset %d", s.src[start], start)
	}
	if s.eof() {
		// A number at end of input may itself be truncated.
		return cut, nil
	}

	lit := s.src[start:s.pos]
	switch lit {
	case "true", "false", "null":
	case "True":
		lit = "true"
	case "False":
		lit = "false"
	case "None", "NaN":
		lit = "null"
	default:
		if c := lit[0]; c != '-' && (c < '0' || c > '9') {
			return cut, fmt.Errorf("invalid literal %q at offset %d", lit, start)
		}
		if _, err := strconv.ParseFloat(lit, 64); err != nil {
			return cut, fmt.Errorf("invalid literal %q at offset %d", lit, start)
		}
	}
	s.out = append(s.out, lit...)
	return complete, nil
}

func isLiteralByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '+' || c == '.'
}
