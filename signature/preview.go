package signature

import (
	"math"
	"unicode/utf8"
)

const (
	DefaultPreviewWidth  = 300
	DefaultPreviewHeight = 120

	previewPadding     = 10
	previewStrokeWidth = 2
	defaultTypedFont   = "cursive"
	// Average glyph advance as a fraction of the font size.
	glyphAdvance = 0.6
)

type Vec struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Preview is a renderer-agnostic description of a signature fitted into a
// fixed frame. Identical input always yields an identical Preview.
type Preview struct {
	Type        Type    `json:"type"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	Color       string  `json:"color"`
	Paths       [][]Vec `json:"paths,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
	Text        string  `json:"text,omitempty"`
	Font        string  `json:"font,omitempty"`
	FontSize    float64 `json:"fontSize,omitempty"`
}

// RenderPreview fits sig into a width x height frame. Non-positive
// dimensions fall back to the default frame.
func RenderPreview(sig Signature, width, height float64) Preview {
	if width <= 0 || height <= 0 {
		width, height = DefaultPreviewWidth, DefaultPreviewHeight
	}

	color := sig.Color
	if color == "" {
		color = DefaultColor
	}

	p := Preview{Type: sig.Type, Width: width, Height: height, Color: color}
	innerW := math.Max(width-2*previewPadding, 1)
	innerH := math.Max(height-2*previewPadding, 1)

	if sig.Type == TypeTyped {
		p.Text = sig.Text
		p.Font = sig.Font
		if p.Font == "" {
			p.Font = defaultTypedFont
		}
		glyphs := math.Max(float64(utf8.RuneCountInString(sig.Text)), 1)
		p.FontSize = round2(math.Min(innerH*0.6, innerW/(glyphAdvance*glyphs)))
		return p
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, stroke := range sig.Strokes {
		for _, pt := range stroke {
			x, y := clampCoordinate(pt.X), clampCoordinate(pt.Y)
			minX = math.Min(minX, x)
			minY = math.Min(minY, y)
			maxX = math.Max(maxX, x)
			maxY = math.Max(maxY, y)
		}
	}
	if math.IsInf(minX, 1) {
		return p
	}

	boxW, boxH := maxX-minX, maxY-minY
	var scale float64
	switch {
	case boxW == 0 && boxH == 0:
		scale = 1
	case boxW == 0:
		scale = innerH / boxH
	case boxH == 0:
		scale = innerW / boxW
	default:
		scale = math.Min(innerW/boxW, innerH/boxH)
	}

	offsetX := (width - boxW*scale) / 2
	offsetY := (height - boxH*scale) / 2

	p.StrokeWidth = previewStrokeWidth
	p.Paths = make([][]Vec, 0, len(sig.Strokes))
	for _, stroke := range sig.Strokes {
		if len(stroke) == 0 {
			continue
		}
		path := make([]Vec, len(stroke))
		for i, pt := range stroke {
			path[i] = Vec{
				X: round2((clampCoordinate(pt.X)-minX)*scale + offsetX),
				Y: round2((clampCoordinate(pt.Y)-minY)*scale + offsetY),
			}
		}
		p.Paths = append(p.Paths, path)
	}
	return p
}

// clampCoordinate bounds stored samples that predate the capture limits,
// keeping every box dimension finite.
func clampCoordinate(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(-MaxCoordinate, math.Min(MaxCoordinate, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
