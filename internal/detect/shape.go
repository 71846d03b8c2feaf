package detect

import (
	"encoding/json"
	"fmt"
)

// Shape is a region of interest in pixel coordinates. A nil Circle and
// Polygon means the whole image.
type Shape struct {
	Circle  *Circle  `json:"Circle,omitempty" yaml:"circle,omitempty"`
	Polygon *Polygon `json:"Polygon,omitempty" yaml:"polygon,omitempty"`
}

// Circle is a circular region.
type Circle struct {
	CenterX int `json:"center_x" yaml:"center_x"`
	CenterY int `json:"center_y" yaml:"center_y"`
	Radius  int `json:"radius" yaml:"radius"`
}

// Polygon is a closed polygon given by its vertices.
type Polygon struct {
	Points [][2]float64 `json:"points" yaml:"points"`
}

// Everything is the unrestricted region.
var Everything = Shape{}

// IsEverything reports whether the shape covers the full image.
func (s Shape) IsEverything() bool {
	return s.Circle == nil && s.Polygon == nil
}

// Contains reports whether pixel (x, y) lies inside the shape.
func (s Shape) Contains(x, y float64) bool {
	switch {
	case s.Circle != nil:
		dx := x - float64(s.Circle.CenterX)
		dy := y - float64(s.Circle.CenterY)
		r := float64(s.Circle.Radius)
		return dx*dx+dy*dy <= r*r
	case s.Polygon != nil:
		return pointInPolygon(s.Polygon.Points, x, y)
	default:
		return true
	}
}

// MarshalJSON encodes the shape as "Everything" or a single-key object.
func (s Shape) MarshalJSON() ([]byte, error) {
	switch {
	case s.Circle != nil:
		return json.Marshal(map[string]*Circle{"Circle": s.Circle})
	case s.Polygon != nil:
		return json.Marshal(map[string]*Polygon{"Polygon": s.Polygon})
	default:
		return []byte(`"Everything"`), nil
	}
}

// UnmarshalJSON accepts the forms produced by MarshalJSON.
func (s *Shape) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		if name != "Everything" {
			return fmt.Errorf("unknown shape %q", name)
		}
		*s = Everything
		return nil
	}

	type plain Shape
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*s = Shape(p)
	return nil
}

func pointInPolygon(pts [][2]float64, x, y float64) bool {
	inside := false
	for i, j := 0, len(pts)-1; i < len(pts); j, i = i, i+1 {
		xi, yi := pts[i][0], pts[i][1]
		xj, yj := pts[j][0], pts[j][1]
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}
