// Package detect finds point-like objects in camera frames.
package detect

import (
	"fmt"
	"image"
	"math"

	"gopkg.in/yaml.v3"
)

// Point is one detection in pixel coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	// Theta is the orientation in radians mod pi, absent for round blobs.
	Theta *float64 `json:"theta,omitempty"`
	Area  *float64 `json:"area,omitempty"`
}

// Polarity selects which side of the threshold counts as foreground.
type Polarity string

const (
	DarkOnBright Polarity = "dark"
	BrightOnDark Polarity = "bright"
)

// Config controls object detection. It is edited by operators as YAML.
type Config struct {
	Threshold   uint8    `yaml:"threshold" json:"threshold"`
	Polarity    Polarity `yaml:"polarity" json:"polarity"`
	MinArea     float64  `yaml:"min_area" json:"min_area"`
	MaxArea     float64  `yaml:"max_area" json:"max_area"`
	MaxPoints   int      `yaml:"max_points" json:"max_points"`
	ValidRegion Shape    `yaml:"valid_region" json:"valid_region"`
}

// DefaultConfig returns the configuration used until an operator sets one.
func DefaultConfig() Config {
	return Config{
		Threshold: 80,
		Polarity:  DarkOnBright,
		MinArea:   4,
		MaxArea:   1e6,
		MaxPoints: 1,
	}
}

// ParseConfig decodes a YAML configuration on top of the defaults.
func ParseConfig(buf string) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(buf), &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse detection config: %w", err)
	}
	if cfg.Polarity != DarkOnBright && cfg.Polarity != BrightOnDark {
		return Config{}, fmt.Errorf("invalid polarity %q", cfg.Polarity)
	}
	if cfg.MaxPoints < 1 {
		return Config{}, fmt.Errorf("max_points must be at least 1")
	}
	return cfg, nil
}

// YAML encodes the configuration.
func (c Config) YAML() string {
	b, _ := yaml.Marshal(c)
	return string(b)
}

// Detector finds the foreground blob of a thresholded image. It is owned by
// the processing thread.
type Detector struct {
	cfg Config
}

// NewDetector creates a detector with cfg.
func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// Config returns the active configuration.
func (d *Detector) Config() Config { return d.cfg }

// SetConfig replaces the active configuration.
func (d *Detector) SetConfig(cfg Config) { d.cfg = cfg }

// Detect returns the foreground centroid with orientation from second
// order central moments.
func (d *Detector) Detect(img *image.Gray) []Point {
	m := ComputeMoments(img, d.cfg.Threshold, d.cfg.Polarity, d.cfg.ValidRegion)
	if m.M00 < d.cfg.MinArea || m.M00 > d.cfg.MaxArea {
		return nil
	}

	x, y := m.Centroid()
	pt := Point{X: x, Y: y}
	area := m.M00
	pt.Area = &area
	if slope, ok := m.Slope(); ok {
		theta := math.Atan(slope)
		pt.Theta = &theta
	}
	return []Point{pt}
}

// Moments are spatial moments of a binary foreground mask.
type Moments struct {
	M00, M10, M01, M20, M02, M11 float64
}

// ComputeMoments thresholds img and accumulates moments of the foreground
// pixels inside region.
func ComputeMoments(img *image.Gray, threshold uint8, pol Polarity, region Shape) Moments {
	var m Moments
	b := img.Bounds()
	everything := region.IsEverything()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[(y-b.Min.Y)*img.Stride:]
		for x := b.Min.X; x < b.Max.X; x++ {
			v := row[x-b.Min.X]
			fg := v < threshold
			if pol == BrightOnDark {
				fg = v >= threshold
			}
			if !fg {
				continue
			}
			fx, fy := float64(x), float64(y)
			if !everything && !region.Contains(fx, fy) {
				continue
			}
			m.M00++
			m.M10 += fx
			m.M01 += fy
			m.M20 += fx * fx
			m.M02 += fy * fy
			m.M11 += fx * fy
		}
	}
	return m
}

// Centroid returns the mean foreground position.
func (m Moments) Centroid() (float64, float64) {
	if m.M00 == 0 {
		return math.NaN(), math.NaN()
	}
	return m.M10 / m.M00, m.M01 / m.M00
}

// Slope returns the slope of the major axis. ok is false for isotropic
// blobs, which have no defined orientation.
func (m Moments) Slope() (float64, bool) {
	if m.M00 == 0 {
		return 0, false
	}
	x, y := m.Centroid()
	mu20 := m.M20/m.M00 - x*x
	mu02 := m.M02/m.M00 - y*y
	mu11 := m.M11/m.M00 - x*y

	if math.Abs(mu11) < 1e-9 && math.Abs(mu20-mu02) < 1e-9 {
		return 0, false
	}
	theta := 0.5 * math.Atan2(2*mu11, mu20-mu02)
	return math.Tan(theta), true
}
