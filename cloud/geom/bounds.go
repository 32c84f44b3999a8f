package geom

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Bounds3 is an axis-aligned bounding box. The zero value is a degenerate box
// at the origin; use EmptyBounds for an accumulator.
type Bounds3 struct {
	Min, Max Vec
}

// EmptyBounds returns an inverted box that any Union will overwrite.
func EmptyBounds() Bounds3 {
	inf := math.Inf(1)
	return Bounds3{
		Min: Vec{X: inf, Y: inf, Z: inf},
		Max: Vec{X: -inf, Y: -inf, Z: -inf},
	}
}

// BoundsOf returns the tightest box around the given points.
func BoundsOf(pts ...Vec) Bounds3 {
	b := EmptyBounds()
	for _, p := range pts {
		b = b.UnionPoint(p)
	}
	return b
}

// IsEmpty reports whether the box encloses no points.
func (b Bounds3) IsEmpty() bool {
	return b.Min.X > b.Max.X || b.Min.Y > b.Max.Y || b.Min.Z > b.Max.Z
}

// Union returns the box enclosing both b and o.
func (b Bounds3) Union(o Bounds3) Bounds3 {
	return Bounds3{Min: MinVec(b.Min, o.Min), Max: MaxVec(b.Max, o.Max)}
}

// UnionPoint returns the box enclosing b and p.
func (b Bounds3) UnionPoint(p Vec) Bounds3 {
	return Bounds3{Min: MinVec(b.Min, p), Max: MaxVec(b.Max, p)}
}

// Diagonal returns Max - Min.
func (b Bounds3) Diagonal() Vec {
	return r3.Sub(b.Max, b.Min)
}

// Centroid returns the center of the box.
func (b Bounds3) Centroid() Vec {
	return r3.Scale(0.5, r3.Add(b.Min, b.Max))
}

// SurfaceArea returns the total area of the six faces; 0 for an empty box.
func (b Bounds3) SurfaceArea() float64 {
	if b.IsEmpty() {
		return 0
	}
	d := b.Diagonal()
	return 2 * (d.X*d.Y + d.X*d.Z + d.Y*d.Z)
}

// MaxExtent returns the axis along which the box is longest.
func (b Bounds3) MaxExtent() int {
	d := b.Diagonal()
	switch {
	case d.X > d.Y && d.X > d.Z:
		return 0
	case d.Y > d.Z:
		return 1
	default:
		return 2
	}
}

// Corner returns one of the eight corners, selected by the low three bits of i.
func (b Bounds3) Corner(i int) Vec {
	pick := func(bit int, lo, hi float64) float64 {
		if i&bit != 0 {
			return hi
		}
		return lo
	}
	return Vec{
		X: pick(1, b.Min.X, b.Max.X),
		Y: pick(2, b.Min.Y, b.Max.Y),
		Z: pick(4, b.Min.Z, b.Max.Z),
	}
}

// IntersectP is the slab test against a ray whose reciprocal direction and
// per-axis sign were precomputed. It reports whether the ray overlaps the box
// anywhere in [0, r.TMax).
func (b Bounds3) IntersectP(r Ray, invDir Vec, dirIsNeg [3]bool) bool {
	lo, hi := b.Min, b.Max
	sel := func(neg bool, axis int) (float64, float64) {
		if neg {
			return Component(hi, axis), Component(lo, axis)
		}
		return Component(lo, axis), Component(hi, axis)
	}

	nx, fx := sel(dirIsNeg[0], 0)
	ny, fy := sel(dirIsNeg[1], 1)
	tMin := (nx - r.O.X) * invDir.X
	tMax := (fx - r.O.X) * invDir.X
	tyMin := (ny - r.O.Y) * invDir.Y
	tyMax := (fy - r.O.Y) * invDir.Y

	// Widen the far distance slightly so grazing hits on shared faces survive
	// floating-point rounding.
	tMax *= 1 + 2*gamma3
	tyMax *= 1 + 2*gamma3
	if tMin > tyMax || tyMin > tMax {
		return false
	}
	if tyMin > tMin {
		tMin = tyMin
	}
	if tyMax < tMax {
		tMax = tyMax
	}

	nz, fz := sel(dirIsNeg[2], 2)
	tzMin := (nz - r.O.Z) * invDir.Z
	tzMax := (fz - r.O.Z) * invDir.Z
	tzMax *= 1 + 2*gamma3
	if tMin > tzMax || tzMin > tMax {
		return false
	}
	if tzMin > tMin {
		tMin = tzMin
	}
	if tzMax < tMax {
		tMax = tzMax
	}
	return tMin < r.TMax && tMax > 0
}

const machineEpsilon = 0x1p-53

// gamma3 bounds the relative error of three chained float64 operations.
const gamma3 = (3 * machineEpsilon) / (1 - 3*machineEpsilon)
