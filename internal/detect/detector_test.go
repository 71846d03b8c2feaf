package detect

import (
	"encoding/json"
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blankImage(w, h int, v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func TestDetectDarkRectangle(t *testing.T) {
	img := blankImage(100, 100, 200)
	// 20x4 bar centered at (50, 30), elongated along x.
	for y := 28; y < 32; y++ {
		for x := 40; x < 60; x++ {
			img.Pix[y*img.Stride+x] = 10
		}
	}

	d := NewDetector(DefaultConfig())
	pts := d.Detect(img)
	require.Len(t, pts, 1)

	assert.InDelta(t, 49.5, pts[0].X, 1e-9)
	assert.InDelta(t, 29.5, pts[0].Y, 1e-9)
	require.NotNil(t, pts[0].Area)
	assert.Equal(t, 80.0, *pts[0].Area)
	require.NotNil(t, pts[0].Theta)
	assert.InDelta(t, 0.0, *pts[0].Theta, 1e-6)
}

func TestDetectNothingBelowMinArea(t *testing.T) {
	img := blankImage(10, 10, 200)
	img.Pix[0] = 0

	d := NewDetector(DefaultConfig())
	assert.Empty(t, d.Detect(img))
}

func TestValidRegionExcludesPixels(t *testing.T) {
	img := blankImage(50, 50, 200)
	for y := 0; y < 5; y++ {
		for x := 0; x < 5; x++ {
			img.Pix[y*img.Stride+x] = 0
		}
	}

	cfg := DefaultConfig()
	cfg.ValidRegion = Shape{Circle: &Circle{CenterX: 40, CenterY: 40, Radius: 5}}
	assert.Empty(t, NewDetector(cfg).Detect(img))
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig("threshold: 30\npolarity: bright\n")
	require.NoError(t, err)
	assert.Equal(t, uint8(30), cfg.Threshold)
	assert.Equal(t, BrightOnDark, cfg.Polarity)
	assert.Equal(t, 1, cfg.MaxPoints)

	_, err = ParseConfig("polarity: sideways\n")
	assert.Error(t, err)
	_, err = ParseConfig("threshold: [")
	assert.Error(t, err)
}

func TestShapeJSON(t *testing.T) {
	b, err := json.Marshal(Everything)
	require.NoError(t, err)
	assert.JSONEq(t, `"Everything"`, string(b))

	c := Shape{Circle: &Circle{CenterX: 1, CenterY: 2, Radius: 3}}
	b, err = json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Circle":{"center_x":1,"center_y":2,"radius":3}}`, string(b))

	var back Shape
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, c, back)
}

func TestPolygonContains(t *testing.T) {
	sq := Shape{Polygon: &Polygon{Points: [][2]float64{{0, 0}, {10, 0}, {10, 10}, {0, 10}}}}
	assert.True(t, sq.Contains(5, 5))
	assert.False(t, sq.Contains(15, 5))
}

func TestCentroidOfEmpty(t *testing.T) {
	x, _ := Moments{}.Centroid()
	assert.True(t, math.IsNaN(x))
	_, ok := Moments{}.Slope()
	assert.False(t, ok)
}
