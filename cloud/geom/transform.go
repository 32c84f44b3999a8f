package geom

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrSingularMatrix is returned when a transform matrix has no inverse.
var ErrSingularMatrix = errors.New("singular transform matrix")

// Matrix4 is a row-major 4x4 matrix.
type Matrix4 [4][4]float64

// IdentityMatrix returns the 4x4 identity.
func IdentityMatrix() Matrix4 {
	return Matrix4{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}
}

// Mul returns m*o.
func (m Matrix4) Mul(o Matrix4) Matrix4 {
	var r Matrix4
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			r[i][j] = m[i][0]*o[0][j] + m[i][1]*o[1][j] + m[i][2]*o[2][j] + m[i][3]*o[3][j]
		}
	}
	return r
}

// Transpose returns the transpose of m.
func (m Matrix4) Transpose() Matrix4 {
	var r Matrix4
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			r[i][j] = m[j][i]
		}
	}
	return r
}

// Flatten returns the 16 entries in row-major order.
func (m Matrix4) Flatten() [16]float64 {
	var out [16]float64
	for i := 0; i < 4; i++ {
		copy(out[i*4:], m[i][:])
	}
	return out
}

// MatrixFromArray is the inverse of Flatten.
func MatrixFromArray(a [16]float64) Matrix4 {
	var m Matrix4
	for i := 0; i < 4; i++ {
		copy(m[i][:], a[i*4:i*4+4])
	}
	return m
}

// Invert computes the inverse of m using gonum's LU-based inverse.
func (m Matrix4) Invert() (Matrix4, error) {
	flat := m.Flatten()
	a := mat.NewDense(4, 4, flat[:])
	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		return Matrix4{}, ErrSingularMatrix
	}
	var r Matrix4
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			r[i][j] = inv.At(i, j)
		}
	}
	return r, nil
}

// Transform is an affine transform stored together with its inverse.
type Transform struct {
	M, MInv Matrix4
}

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{M: IdentityMatrix(), MInv: IdentityMatrix()}
}

// NewTransform builds a Transform from m, computing the inverse.
func NewTransform(m Matrix4) (Transform, error) {
	inv, err := m.Invert()
	if err != nil {
		return Transform{}, err
	}
	return Transform{M: m, MInv: inv}, nil
}

// Translate returns a translation by d.
func Translate(d Vec) Transform {
	m := Matrix4{{1, 0, 0, d.X}, {0, 1, 0, d.Y}, {0, 0, 1, d.Z}, {0, 0, 0, 1}}
	inv := Matrix4{{1, 0, 0, -d.X}, {0, 1, 0, -d.Y}, {0, 0, 1, -d.Z}, {0, 0, 0, 1}}
	return Transform{M: m, MInv: inv}
}

// Scale returns a non-uniform scale. Zero factors are rejected by panicking.
func Scale(x, y, z float64) Transform {
	if x == 0 || y == 0 || z == 0 {
		panic("Scale: factors must be non-zero")
	}
	m := Matrix4{{x, 0, 0, 0}, {0, y, 0, 0}, {0, 0, z, 0}, {0, 0, 0, 1}}
	inv := Matrix4{{1 / x, 0, 0, 0}, {0, 1 / y, 0, 0}, {0, 0, 1 / z, 0}, {0, 0, 0, 1}}
	return Transform{M: m, MInv: inv}
}

// Rotate returns a rotation of theta degrees about axis.
func Rotate(theta float64, axis Vec) Transform {
	a := r3.Unit(axis)
	s, c := math.Sincos(theta * math.Pi / 180)
	var m Matrix4
	m[0][0] = a.X*a.X + (1-a.X*a.X)*c
	m[0][1] = a.X*a.Y*(1-c) - a.Z*s
	m[0][2] = a.X*a.Z*(1-c) + a.Y*s
	m[1][0] = a.X*a.Y*(1-c) + a.Z*s
	m[1][1] = a.Y*a.Y + (1-a.Y*a.Y)*c
	m[1][2] = a.Y*a.Z*(1-c) - a.X*s
	m[2][0] = a.X*a.Z*(1-c) - a.Y*s
	m[2][1] = a.Y*a.Z*(1-c) + a.X*s
	m[2][2] = a.Z*a.Z + (1-a.Z*a.Z)*c
	m[3][3] = 1
	return Transform{M: m, MInv: m.Transpose()}
}

// Inverse swaps the matrix and its inverse.
func (t Transform) Inverse() Transform {
	return Transform{M: t.MInv, MInv: t.M}
}

// Compose returns t*o (o applied first).
func (t Transform) Compose(o Transform) Transform {
	return Transform{M: t.M.Mul(o.M), MInv: o.MInv.Mul(t.MInv)}
}

// IsIdentity reports whether t is exactly the identity.
func (t Transform) IsIdentity() bool {
	id := IdentityMatrix()
	return t.M == id && t.MInv == id
}

// Point applies t to a point.
func (t Transform) Point(p Vec) Vec {
	m := &t.M
	x := m[0][0]*p.X + m[0][1]*p.Y + m[0][2]*p.Z + m[0][3]
	y := m[1][0]*p.X + m[1][1]*p.Y + m[1][2]*p.Z + m[1][3]
	z := m[2][0]*p.X + m[2][1]*p.Y + m[2][2]*p.Z + m[2][3]
	w := m[3][0]*p.X + m[3][1]*p.Y + m[3][2]*p.Z + m[3][3]
	if w == 1 {
		return Vec{X: x, Y: y, Z: z}
	}
	return Vec{X: x / w, Y: y / w, Z: z / w}
}

// Vector applies t to a direction (no translation).
func (t Transform) Vector(v Vec) Vec {
	m := &t.M
	return Vec{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// Normal applies t to a surface normal via the inverse transpose.
func (t Transform) Normal(n Vec) Vec {
	mi := &t.MInv
	return Vec{
		X: mi[0][0]*n.X + mi[1][0]*n.Y + mi[2][0]*n.Z,
		Y: mi[0][1]*n.X + mi[1][1]*n.Y + mi[2][1]*n.Z,
		Z: mi[0][2]*n.X + mi[1][2]*n.Y + mi[2][2]*n.Z,
	}
}

// Ray applies t to r. The direction is not renormalized, so the ray
// parameter of any point is preserved.
func (t Transform) Ray(r Ray) Ray {
	return Ray{O: t.Point(r.O), D: t.Vector(r.D), TMax: r.TMax}
}

// Bounds returns the box enclosing the eight transformed corners of b.
func (t Transform) Bounds(b Bounds3) Bounds3 {
	if b.IsEmpty() {
		return b
	}
	out := EmptyBounds()
	for i := 0; i < 8; i++ {
		out = out.UnionPoint(t.Point(b.Corner(i)))
	}
	return out
}

// Interaction maps a surface interaction through t.
func (t Transform) Interaction(si Interaction) Interaction {
	out := si
	out.P = t.Point(si.P)
	out.N = r3.Unit(t.Normal(si.N))
	out.Wo = t.Vector(si.Wo)
	if n := r3.Norm(out.Wo); n > 0 {
		out.Wo = r3.Scale(1/n, out.Wo)
	}
	return out
}
