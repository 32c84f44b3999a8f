// Package geom holds the small amount of geometry the treelet tracer needs:
// vectors, bounding boxes, rays, affine transforms, RGB spectra and triangle
// intersection. Vectors are gonum's r3.Vec so arithmetic reads the same as in
// the rest of the gonum ecosystem.
package geom

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Vec is a point, direction or normal in 3-space.
type Vec = r3.Vec

// Point2 is a film-plane coordinate.
type Point2 struct {
	X, Y float64
}

// Component returns v[axis] for axis in {0,1,2}.
func Component(v Vec, axis int) float64 {
	switch axis {
	case 0:
		return v.X
	case 1:
		return v.Y
	case 2:
		return v.Z
	}
	panic("Component: axis must be 0, 1 or 2")
}

// MinVec returns the component-wise minimum of a and b.
func MinVec(a, b Vec) Vec {
	return Vec{X: math.Min(a.X, b.X), Y: math.Min(a.Y, b.Y), Z: math.Min(a.Z, b.Z)}
}

// MaxVec returns the component-wise maximum of a and b.
func MaxVec(a, b Vec) Vec {
	return Vec{X: math.Max(a.X, b.X), Y: math.Max(a.Y, b.Y), Z: math.Max(a.Z, b.Z)}
}

// Reciprocal returns 1/v component-wise. Zero components become +Inf or -Inf
// following IEEE rules, which the slab test relies on.
func Reciprocal(v Vec) Vec {
	return Vec{X: 1 / v.X, Y: 1 / v.Y, Z: 1 / v.Z}
}

// FaceForward flips n so it lies in the same hemisphere as v.
func FaceForward(n, v Vec) Vec {
	if r3.Dot(n, v) < 0 {
		return r3.Scale(-1, n)
	}
	return n
}

// CoordinateSystem builds two unit vectors orthogonal to the unit vector v.
func CoordinateSystem(v Vec) (Vec, Vec) {
	var v2 Vec
	if math.Abs(v.X) > math.Abs(v.Y) {
		v2 = r3.Scale(1/math.Sqrt(v.X*v.X+v.Z*v.Z), Vec{X: -v.Z, Y: 0, Z: v.X})
	} else {
		v2 = r3.Scale(1/math.Sqrt(v.Y*v.Y+v.Z*v.Z), Vec{X: 0, Y: v.Z, Z: -v.Y})
	}
	return v2, r3.Cross(v, v2)
}

// DirectionOctant packs the sign bits of d into a 3-bit index
// (bit 0 = x negative, bit 1 = y negative, bit 2 = z negative).
func DirectionOctant(d Vec) uint8 {
	var idx uint8
	if d.X < 0 {
		idx |= 1
	}
	if d.Y < 0 {
		idx |= 2
	}
	if d.Z < 0 {
		idx |= 4
	}
	return idx
}

// OctantDirection returns a representative unit direction for an octant index
// produced by DirectionOctant.
func OctantDirection(idx uint8) Vec {
	s := func(bit uint8) float64 {
		if idx&bit != 0 {
			return -1
		}
		return 1
	}
	return r3.Unit(Vec{X: s(1), Y: s(2), Z: s(4)})
}

// DirIsNeg expands an octant index into per-axis negative flags.
func DirIsNeg(idx uint8) [3]bool {
	return [3]bool{idx&1 != 0, idx&2 != 0, idx&4 != 0}
}
