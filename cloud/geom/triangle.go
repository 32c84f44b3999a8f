package geom

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// hitEpsilon rejects self-intersections at the ray origin.
const hitEpsilon = 1e-9

// Triangle is a single triangle in world or instance space.
type Triangle struct {
	P0, P1, P2 Vec
}

// Bounds returns the box around the three vertices.
func (tri Triangle) Bounds() Bounds3 {
	return BoundsOf(tri.P0, tri.P1, tri.P2)
}

// Centroid returns the vertex average.
func (tri Triangle) Centroid() Vec {
	return r3.Scale(1.0/3.0, r3.Add(tri.P0, r3.Add(tri.P1, tri.P2)))
}

// Normal returns the unit geometric normal (P1-P0) x (P2-P0).
func (tri Triangle) Normal() Vec {
	return r3.Unit(r3.Cross(r3.Sub(tri.P1, tri.P0), r3.Sub(tri.P2, tri.P0)))
}

// Area returns the surface area.
func (tri Triangle) Area() float64 {
	return 0.5 * r3.Norm(r3.Cross(r3.Sub(tri.P1, tri.P0), r3.Sub(tri.P2, tri.P0)))
}

// Intersect runs the Moller-Trumbore test. On a hit within (0, r.TMax) it
// returns the ray parameter and the barycentrics of P1 and P2.
func (tri Triangle) Intersect(r Ray) (t, b1, b2 float64, ok bool) {
	e1 := r3.Sub(tri.P1, tri.P0)
	e2 := r3.Sub(tri.P2, tri.P0)
	pv := r3.Cross(r.D, e2)
	det := r3.Dot(e1, pv)
	if math.Abs(det) < 1e-14 {
		return 0, 0, 0, false
	}
	inv := 1 / det
	tv := r3.Sub(r.O, tri.P0)
	u := r3.Dot(tv, pv) * inv
	if u < 0 || u > 1 {
		return 0, 0, 0, false
	}
	qv := r3.Cross(tv, e1)
	v := r3.Dot(r.D, qv) * inv
	if v < 0 || u+v > 1 {
		return 0, 0, 0, false
	}
	t = r3.Dot(e2, qv) * inv
	if t <= hitEpsilon || t >= r.TMax {
		return 0, 0, 0, false
	}
	return t, u, v, true
}

// Interaction builds the surface record for a hit at parameter t.
func (tri Triangle) Interaction(r Ray, t, b1, b2 float64) Interaction {
	wo := r3.Scale(-1, r.D)
	if n := r3.Norm(wo); n > 0 {
		wo = r3.Scale(1/n, wo)
	}
	return Interaction{
		P:  r.At(t),
		N:  tri.Normal(),
		T:  t,
		Wo: wo,
		UV: Point2{X: b1, Y: b2},
	}
}
