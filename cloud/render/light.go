package render

import (
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/treelet-sim/treelet-sim/cloud/geom"
)

// PointLight emits Intensity uniformly from Position.
type PointLight struct {
	Position  geom.Vec
	Intensity geom.Spectrum
}

// SampleLi returns the unit direction from p toward the light, the incident
// radiance at p and the light position.
func (l PointLight) SampleLi(p geom.Vec) (wi geom.Vec, li geom.Spectrum, pLight geom.Vec) {
	d := r3.Sub(l.Position, p)
	dist2 := r3.Dot(d, d)
	if dist2 == 0 {
		return geom.Vec{}, geom.Spectrum{}, l.Position
	}
	return r3.Scale(1/r3.Norm(d), d), l.Intensity.Scale(1 / dist2), l.Position
}
