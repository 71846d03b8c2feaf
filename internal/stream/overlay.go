package stream

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"strandcam/internal/detect"
)

var (
	pointColor  = color.RGBA{0, 255, 0, 255}
	regionColor = color.RGBA{255, 165, 0, 255}
	annotColor  = color.RGBA{0, 160, 255, 255}
)

// drawOverlay renders detected points, the valid region and annotations on
// a copy of img.
func drawOverlay(img image.Image, af AnnotatedFrame) *image.RGBA {
	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	drawRegion(rgba, af.ValidDisplay)

	for _, a := range af.Annotations {
		for _, p := range a.Points {
			drawCross(rgba, int(p[0]), int(p[1]), 3, annotColor)
		}
		if len(a.Points) > 0 && a.Label != "" {
			drawLabel(rgba, int(a.Points[0][0]), int(a.Points[0][1])-14, a.Label, annotColor)
		}
	}

	for i, p := range af.Points {
		x, y := int(p.X+0.5), int(p.Y+0.5)
		drawCross(rgba, x, y, 6, pointColor)
		drawLabel(rgba, x+8, y-14, fmt.Sprintf("%d (%.1f, %.1f)", i, p.X, p.Y), pointColor)
	}

	if af.Frame != nil {
		drawLabel(rgba, 2, 2, fmt.Sprintf("fno %d", af.Frame.Fno), color.RGBA{255, 255, 255, 255})
	}
	return rgba
}

func drawRegion(img *image.RGBA, s detect.Shape) {
	switch {
	case s.Circle != nil:
		c := s.Circle
		drawBox(img, int(c.CenterX-c.Radius), int(c.CenterY-c.Radius), int(2*c.Radius), int(2*c.Radius), regionColor, 1)
	case s.Polygon != nil:
		pts := s.Polygon.Points
		for i := range pts {
			a, b := pts[i], pts[(i+1)%len(pts)]
			drawLine(img, a[0], a[1], b[0], b[1], regionColor)
		}
	}
}

func setPixel(img *image.RGBA, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(img.Bounds()) {
		img.SetRGBA(x, y, c)
	}
}

func drawCross(img *image.RGBA, x, y, size int, c color.RGBA) {
	for d := -size; d <= size; d++ {
		setPixel(img, x+d, y, c)
		setPixel(img, x, y+d, c)
	}
}

func drawLine(img *image.RGBA, x0, y0, x1, y1 float64, c color.RGBA) {
	dx, dy := x1-x0, y1-y0
	steps := int(max(abs(dx), abs(dy)))
	if steps == 0 {
		setPixel(img, int(x0), int(y0), c)
		return
	}
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		setPixel(img, int(x0+t*dx), int(y0+t*dy), c)
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// drawBox draws a rectangle outline.
func drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	for t := 0; t < thickness; t++ {
		for i := x; i < x+w; i++ {
			setPixel(img, i, y+t, c)
			setPixel(img, i, y+h-t, c)
		}
		for j := y; j < y+h; j++ {
			setPixel(img, x+t, j, c)
			setPixel(img, x+w-t, j, c)
		}
	}
}

// drawLabel draws text on a dark background.
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 0 {
		y = 0
	}
	if x < 0 {
		x = 0
	}

	bg := color.RGBA{0, 0, 0, 180}
	textWidth := len(label) * 7
	for dy := -2; dy < 12; dy++ {
		for dx := -2; dx < textWidth+2; dx++ {
			setPixel(img, x+dx, y+dy, bg)
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
