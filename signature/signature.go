package signature

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"
)

type Type string

const (
	TypeDrawn Type = "drawn"
	TypeTyped Type = "typed"
)

const (
	DefaultColor = "#000000"

	maxSignaturePoints = 5000
	maxTextLength      = 120
	// Pointer samples outside this range are not screen coordinates.
	MaxCoordinate = 1e6
)

var hexColorRegex = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// Point is a single pointer sample. T is the client clock in milliseconds.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	T float64 `json:"t"`
}

// UnmarshalJSON accepts "timestamp" as an alias of "t"; older clients sent
// the long form.
func (p *Point) UnmarshalJSON(data []byte) error {
	var raw struct {
		X         float64  `json:"x"`
		Y         float64  `json:"y"`
		T         *float64 `json:"t"`
		Timestamp *float64 `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.X = raw.X
	p.Y = raw.Y
	p.T = 0
	if raw.T != nil {
		p.T = *raw.T
	} else if raw.Timestamp != nil {
		p.T = *raw.Timestamp
	}
	return nil
}

// Signature is the canonical tagged form of every accepted signature.
// Drawn signatures carry Strokes, typed signatures carry Text.
type Signature struct {
	Type    Type      `json:"type"`
	Strokes [][]Point `json:"strokes,omitempty"`
	Text    string    `json:"text,omitempty"`
	Font    string    `json:"font,omitempty"`
	Color   string    `json:"color,omitempty"`
}

// UnmarshalJSON decodes the tagged form, plus the untagged legacy shape.
func (s *Signature) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		// Deprecated: signatures captured before the tagged union existed are a
		// bare array of strokes with no type. They are read as drawn.
		var strokes [][]Point
		if err := json.Unmarshal(trimmed, &strokes); err != nil {
			return &InvalidError{Reason: ReasonUnrecognizedFormat}
		}
		*s = Signature{Type: TypeDrawn, Strokes: strokes}
		return nil
	}

	type tagged Signature
	var t tagged
	if err := json.Unmarshal(trimmed, &t); err != nil {
		return err
	}
	*s = Signature(t)
	return nil
}

type Reason string

const (
	ReasonEmptyStrokes       Reason = "EMPTY_STROKES"
	ReasonEmptyText          Reason = "EMPTY_TEXT"
	ReasonUnrecognizedFormat Reason = "UNRECOGNIZED_FORMAT"
	ReasonTooLarge           Reason = "TOO_LARGE"
)

var ErrInvalid = errors.New("invalid signature")

type InvalidError struct {
	Reason Reason
}

func (e *InvalidError) Error() string {
	return "invalid signature: " + string(e.Reason)
}

func (e *InvalidError) Unwrap() error {
	return ErrInvalid
}

// ReasonOf extracts the validation reason from err, if it carries one.
func ReasonOf(err error) (Reason, bool) {
	var invalid *InvalidError
	if errors.As(err, &invalid) {
		return invalid.Reason, true
	}
	return "", false
}

// Parse decodes a raw signature payload, validates it and returns its
// normalized form. It has no side effects.
func Parse(raw []byte) (Signature, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return Signature{}, &InvalidError{Reason: ReasonUnrecognizedFormat}
	}

	var sig Signature
	if err := json.Unmarshal(trimmed, &sig); err != nil {
		if _, ok := ReasonOf(err); ok {
			return Signature{}, err
		}
		return Signature{}, &InvalidError{Reason: ReasonUnrecognizedFormat}
	}

	if err := Validate(sig); err != nil {
		return Signature{}, err
	}
	return normalize(sig), nil
}

// CheckContent reports whether sig carries anything at all. It is the only
// check applied to stored signatures, so a value accepted under older
// capture limits still counts as signed.
func CheckContent(sig Signature) error {
	switch sig.Type {
	case TypeDrawn:
		for _, stroke := range sig.Strokes {
			if len(stroke) > 0 {
				return nil
			}
		}
		return &InvalidError{Reason: ReasonEmptyStrokes}

	case TypeTyped:
		if strings.TrimSpace(sig.Text) == "" {
			return &InvalidError{Reason: ReasonEmptyText}
		}
		return nil

	default:
		return &InvalidError{Reason: ReasonUnrecognizedFormat}
	}
}

// Validate applies the capture-time checks: non-empty content, plus the
// color, size and coordinate limits. Parse runs it on every new signature.
func Validate(sig Signature) error {
	if err := CheckContent(sig); err != nil {
		return err
	}
	if sig.Color != "" && !hexColorRegex.MatchString(sig.Color) {
		return &InvalidError{Reason: ReasonUnrecognizedFormat}
	}

	switch sig.Type {
	case TypeDrawn:
		points := 0
		for _, stroke := range sig.Strokes {
			points += len(stroke)
			for _, pt := range stroke {
				if !inRange(pt.X) || !inRange(pt.Y) {
					return &InvalidError{Reason: ReasonUnrecognizedFormat}
				}
			}
		}
		if points > maxSignaturePoints {
			return &InvalidError{Reason: ReasonTooLarge}
		}

	case TypeTyped:
		if utf8.RuneCountInString(strings.TrimSpace(sig.Text)) > maxTextLength {
			return &InvalidError{Reason: ReasonTooLarge}
		}
	}
	return nil
}

func inRange(v float64) bool {
	return !math.IsNaN(v) && math.Abs(v) <= MaxCoordinate
}

// normalize drops empty strokes, trims typed text and fills the default
// color. Only called on values that passed Validate.
func normalize(sig Signature) Signature {
	out := Signature{Type: sig.Type, Font: strings.TrimSpace(sig.Font), Color: sig.Color}
	if out.Color == "" {
		out.Color = DefaultColor
	}

	switch sig.Type {
	case TypeDrawn:
		out.Strokes = make([][]Point, 0, len(sig.Strokes))
		for _, stroke := range sig.Strokes {
			if len(stroke) == 0 {
				continue
			}
			out.Strokes = append(out.Strokes, append([]Point(nil), stroke...))
		}
		out.Font = ""
	case TypeTyped:
		out.Text = strings.TrimSpace(sig.Text)
	}
	return out
}

// Clone returns a deep copy.
func (s Signature) Clone() Signature {
	out := s
	if s.Strokes != nil {
		out.Strokes = make([][]Point, len(s.Strokes))
		for i, stroke := range s.Strokes {
			out.Strokes[i] = append([]Point(nil), stroke...)
		}
	}
	return out
}
