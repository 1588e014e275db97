package meta

import "math"

// NormRect is a rectangle in coordinates relative to an enclosing region
// (0.0 - 1.0 spans the region).
type NormRect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Rect is a rectangle in absolute pixel coordinates of a unit.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Empty reports whether the rectangle covers no pixels.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Clip returns r restricted to a width x height frame. A rectangle that falls
// completely outside collapses to zero size at the nearest edge.
func (r Rect) Clip(width, height int) Rect {
	x0 := clampInt(r.X, 0, width)
	y0 := clampInt(r.Y, 0, height)
	x1 := clampInt(r.X+r.Width, 0, width)
	y1 := clampInt(r.Y+r.Height, 0, height)
	return Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// Point is an absolute pixel position.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Round converts a fractional pixel coordinate to the nearest integer pixel.
func Round(v float64) int {
	return int(math.Round(v))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
