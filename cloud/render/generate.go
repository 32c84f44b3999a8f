package render

import (
	"math"

	"github.com/treelet-sim/treelet-sim/cloud"
	"github.com/treelet-sim/treelet-sim/cloud/geom"
)

// GenerateCameraRays calls emit with one continuation per pixel sample of
// tile, in row-major pixel order. Film jitter uses sampler dimensions 0 and 1.
func GenerateCameraRays(cam *Camera, s Sampler, tile geom.Bounds2i, bounces uint8, emit func(*cloud.RayState)) int {
	tile = tile.Intersect(cam.SampleBounds())
	scale := 1 / math.Sqrt(float64(s.SamplesPerPixel))
	n := 0
	for y := tile.Min.Y; y < tile.Max.Y; y++ {
		for x := tile.Min.X; x < tile.Max.X; x++ {
			for k := uint32(0); k < s.SamplesPerPixel; k++ {
				id := s.SampleID(x, y, cam.Width, k)
				jitter := s.Get2D(id, 0)
				rs := cloud.NewRayState()
				rs.Sample = cloud.SampleInfo{
					ID:     id,
					PFilm:  geom.Point2{X: float64(x) + jitter.X, Y: float64(y) + jitter.Y},
					Weight: 1,
					Dim:    2,
				}
				rs.Ray = cam.GenerateRay(rs.Sample.PFilm)
				rs.Ray.ScaleDifferentials(scale)
				rs.RemainingBounces = bounces
				rs.StartTrace()
				emit(rs)
				n++
			}
		}
	}
	return n
}
