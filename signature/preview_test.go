package signature_test

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/signlink/signature"
)

func TestRenderPreview_Drawn(t *testing.T) {
	sig := signature.Signature{
		Type:    signature.TypeDrawn,
		Color:   "#112233",
		Strokes: [][]signature.Point{{{X: 0, Y: 0}, {X: 5, Y: 5}}},
	}

	p := signature.RenderPreview(sig, 300, 120)

	assert.Equal(t, signature.TypeDrawn, p.Type)
	assert.Equal(t, "#112233", p.Color)
	require.Len(t, p.Paths, 1)
	// 5x5 box scaled by 20 into the 280x100 inner frame, then centered.
	assert.Equal(t, signature.Vec{X: 100, Y: 10}, p.Paths[0][0])
	assert.Equal(t, signature.Vec{X: 200, Y: 110}, p.Paths[0][1])
}

func TestRenderPreview_SinglePointIsCentered(t *testing.T) {
	sig := signature.Signature{Type: signature.TypeDrawn, Strokes: [][]signature.Point{{{X: 42, Y: 7}}}}

	p := signature.RenderPreview(sig, 300, 120)

	require.Len(t, p.Paths, 1)
	assert.Equal(t, signature.Vec{X: 150, Y: 60}, p.Paths[0][0])
	assert.Equal(t, signature.DefaultColor, p.Color)
}

func TestRenderPreview_HorizontalLine(t *testing.T) {
	sig := signature.Signature{Type: signature.TypeDrawn, Strokes: [][]signature.Point{{{X: 10, Y: 3}, {X: 20, Y: 3}}}}

	p := signature.RenderPreview(sig, 300, 120)

	require.Len(t, p.Paths, 1)
	assert.Equal(t, signature.Vec{X: 10, Y: 60}, p.Paths[0][0])
	assert.Equal(t, signature.Vec{X: 290, Y: 60}, p.Paths[0][1])
}

func TestRenderPreview_Typed(t *testing.T) {
	sig := signature.Signature{Type: signature.TypeTyped, Text: "An"}

	p := signature.RenderPreview(sig, 0, 0)

	assert.Equal(t, float64(signature.DefaultPreviewWidth), p.Width)
	assert.Equal(t, float64(signature.DefaultPreviewHeight), p.Height)
	assert.Equal(t, "An", p.Text)
	assert.Equal(t, "cursive", p.Font)
	assert.Equal(t, float64(60), p.FontSize)
	assert.Empty(t, p.Paths)
}

func TestRenderPreview_Deterministic(t *testing.T) {
	sig, err := signature.Parse([]byte(`{"type":"drawn","strokes":[[{"x":3,"y":9,"t":0},{"x":17,"y":-4,"t":5}],[{"x":8,"y":2,"t":9}]]}`))
	require.NoError(t, err)

	assert.Equal(t, signature.RenderPreview(sig, 200, 80), signature.RenderPreview(sig, 200, 80))
}

func TestRenderPreview_ExtremeStoredCoordinates(t *testing.T) {
	sig := signature.Signature{
		Type:    signature.TypeDrawn,
		Strokes: [][]signature.Point{{{X: -1e308, Y: 0}, {X: 1e308, Y: 5}}, {{X: math.NaN(), Y: math.Inf(1)}}},
	}

	p := signature.RenderPreview(sig, 300, 120)

	require.Len(t, p.Paths, 2)
	for _, path := range p.Paths {
		for _, v := range path {
			assert.False(t, math.IsNaN(v.X) || math.IsInf(v.X, 0), "x=%v", v.X)
			assert.False(t, math.IsNaN(v.Y) || math.IsInf(v.Y, 0), "y=%v", v.Y)
			assert.True(t, v.X >= 0 && v.X <= p.Width, "x=%v", v.X)
			assert.True(t, v.Y >= 0 && v.Y <= p.Height, "y=%v", v.Y)
		}
	}
	// Clamped to a 2e6 x 1e6 box, so height sets the scale.
	assert.Equal(t, signature.Vec{X: 50, Y: 10}, p.Paths[0][0])
	assert.Equal(t, float64(250), p.Paths[0][1].X)

	_, err := json.Marshal(p)
	assert.NoError(t, err)
}
