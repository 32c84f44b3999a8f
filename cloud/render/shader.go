package render

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/treelet-sim/treelet-sim/cloud"
	"github.com/treelet-sim/treelet-sim/cloud/bvh"
	"github.com/treelet-sim/treelet-sim/cloud/geom"
)

// ErrNoHit is returned when Shade is given a continuation without a hit.
var ErrNoHit = errors.New("continuation has no hit to shade")

// dimensionsPerBounce is how many sampler dimensions one shading step uses:
// light choice plus a 2D bounce direction.
const dimensionsPerBounce = 3

// Geometry is what shading needs from the scene structure.
// *bvh.CloudBVH satisfies it.
type Geometry interface {
	IntersectState(rs *cloud.RayState) (geom.Interaction, bool, error)
	Material(id uint32) (bvh.Material, bool)
}

// Shaded is the outcome of shading one hit. Bounce and Shadow are nil when
// not spawned. Emitted is radiance from an emissive surface, already
// weighted by the path throughput.
type Shaded struct {
	Bounce  *cloud.RayState
	Shadow  *cloud.RayState
	Emitted geom.Spectrum
}

// Shader shades diffuse surfaces lit by point lights.
type Shader struct {
	Lights  []PointLight
	Sampler Sampler
}

// Shade consumes the hit recorded in rs and returns up to two new
// continuations: a shadow ray toward one light carrying the direct lighting
// it would contribute, and a cosine-weighted bounce while bounces remain.
func (s *Shader) Shade(g Geometry, rs *cloud.RayState) (Shaded, error) {
	var out Shaded
	if !rs.HasHit() {
		return out, ErrNoHit
	}
	si, ok, err := g.IntersectState(rs)
	if err != nil {
		return out, fmt.Errorf("shading path %d: %w", rs.PathID(), err)
	}
	if !ok {
		return out, ErrNoHit
	}
	mat, ok := g.Material(si.Material)
	if !ok {
		return out, fmt.Errorf("shading path %d: unknown material %d", rs.PathID(), si.Material)
	}
	n := geom.FaceForward(si.N, si.Wo)
	id, dim := rs.PathID(), rs.Sample.Dim

	if !mat.Emission.IsBlack() {
		out.Emitted = rs.Beta.Mul(mat.Emission)
	}
	f := mat.Reflectance.Scale(1 / math.Pi)

	if len(s.Lights) > 0 && !mat.Reflectance.IsBlack() {
		i := min(int(s.Sampler.Get1D(id, dim)*float64(len(s.Lights))), len(s.Lights)-1)
		wi, li, pLight := s.Lights[i].SampleLi(si.P)
		if cos := r3.Dot(wi, n); cos > 0 && !li.IsBlack() {
			ld := rs.Beta.Mul(f).Mul(li).Scale(cos * float64(len(s.Lights)))
			shadow := s.spawn(rs, dim)
			shadow.IsShadowRay = true
			shadow.Ray = geom.RayDifferential{Ray: si.SpawnRayTo(pLight)}
			shadow.Ld = ld
			shadow.StartTrace()
			out.Shadow = shadow
		}
	}

	if rs.RemainingBounces > 0 && !mat.Reflectance.IsBlack() {
		u := s.Sampler.Get2D(id, dim+1)
		wi := cosineHemisphere(n, u)
		bounce := s.spawn(rs, dim)
		bounce.Beta = rs.Beta.Mul(mat.Reflectance)
		bounce.RemainingBounces = rs.RemainingBounces - 1
		bounce.Ray = geom.RayDifferential{Ray: si.SpawnRay(wi)}
		bounce.StartTrace()
		out.Bounce = bounce
	}
	return out, nil
}

// spawn starts a new continuation on the same path.
func (s *Shader) spawn(rs *cloud.RayState, dim int32) *cloud.RayState {
	c := cloud.NewRayState()
	c.TrackRay = rs.TrackRay
	c.PathHop = rs.PathHop + 1
	c.Sample = rs.Sample
	c.Sample.Dim = dim + dimensionsPerBounce
	c.Beta = rs.Beta
	c.RemainingBounces = rs.RemainingBounces
	return c
}

func cosineHemisphere(n geom.Vec, u geom.Point2) geom.Vec {
	r := math.Sqrt(u.X)
	phi := 2 * math.Pi * u.Y
	x, y := r*math.Cos(phi), r*math.Sin(phi)
	z := math.Sqrt(math.Max(0, 1-u.X))
	t, b := geom.CoordinateSystem(n)
	return r3.Add(r3.Add(r3.Scale(x, t), r3.Scale(y, b)), r3.Scale(z, n))
}
