package geom

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Ray is a half-line O + tD for t in [0, TMax).
type Ray struct {
	O, D Vec
	TMax float64
}

// NewRay returns an unbounded ray.
func NewRay(o, d Vec) Ray {
	return Ray{O: o, D: d, TMax: math.Inf(1)}
}

// At returns the point at parameter t.
func (r Ray) At(t float64) Vec {
	return r3.Add(r.O, r3.Scale(t, r.D))
}

// RayDifferential carries two auxiliary rays offset by one pixel in x and y,
// used for texture filtering. HasDifferentials is false for secondary rays
// that did not propagate them.
type RayDifferential struct {
	Ray
	HasDifferentials         bool
	RxOrigin, RyOrigin       Vec
	RxDirection, RyDirection Vec
}

// ScaleDifferentials shrinks the offsets for s samples per pixel.
func (rd *RayDifferential) ScaleDifferentials(s float64) {
	rd.RxOrigin = r3.Add(rd.O, r3.Scale(s, r3.Sub(rd.RxOrigin, rd.O)))
	rd.RyOrigin = r3.Add(rd.O, r3.Scale(s, r3.Sub(rd.RyOrigin, rd.O)))
	rd.RxDirection = r3.Add(rd.D, r3.Scale(s, r3.Sub(rd.RxDirection, rd.D)))
	rd.RyDirection = r3.Add(rd.D, r3.Scale(s, r3.Sub(rd.RyDirection, rd.D)))
}
