package geom

import (
	"gonum.org/v1/gonum/spatial/r3"
)

// shadowEpsilon keeps shadow rays from reaching the light sample itself.
const shadowEpsilon = 1e-4

// spawnOffset pushes secondary ray origins off the surface.
const spawnOffset = 1e-6

// Interaction is the surface record produced by a ray hit.
type Interaction struct {
	P        Vec     // hit point
	N        Vec     // unit geometric normal
	T        float64 // ray parameter at the hit
	Wo       Vec     // unit direction back toward the ray origin
	UV       Point2  // barycentrics of the hit triangle
	Material uint32
	Mesh     uint32 // mesh holding the hit triangle
	Face     uint32 // triangle index within Mesh
}

// offsetOrigin moves P along N to the side d points into.
func (si Interaction) offsetOrigin(d Vec) Vec {
	off := r3.Scale(spawnOffset, si.N)
	if r3.Dot(d, si.N) < 0 {
		off = r3.Scale(-1, off)
	}
	return r3.Add(si.P, off)
}

// SpawnRay starts a ray at the surface heading in d.
func (si Interaction) SpawnRay(d Vec) Ray {
	return NewRay(si.offsetOrigin(d), d)
}

// SpawnRayTo starts a shadow ray toward p, stopping just short of it.
func (si Interaction) SpawnRayTo(p Vec) Ray {
	o := si.offsetOrigin(r3.Sub(p, si.P))
	return Ray{O: o, D: r3.Sub(p, o), TMax: 1 - shadowEpsilon}
}
