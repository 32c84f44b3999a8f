package render

import (
	"math"

	"github.com/treelet-sim/treelet-sim/cloud/geom"
)

// Sampler produces values in [0,1) as a pure function of (seed, sample id,
// dimension), so any worker can resume a path and draw the same numbers.
type Sampler struct {
	SamplesPerPixel uint32
	Seed            uint64
}

// NewSampler returns a sampler with the given pixel sample count.
func NewSampler(spp uint32, seed uint64) Sampler {
	if spp == 0 {
		panic("NewSampler: samples per pixel must be positive")
	}
	return Sampler{SamplesPerPixel: spp, Seed: seed}
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// Get1D returns the value for dimension dim of sample id.
func (s Sampler) Get1D(id uint64, dim int32) float64 {
	h := mix64(s.Seed ^ mix64(id^mix64(uint64(uint32(dim)))))
	v := float64(h>>11) / (1 << 53)
	return math.Min(v, 1-0x1p-53)
}

// Get2D returns dimensions dim and dim+1 of sample id.
func (s Sampler) Get2D(id uint64, dim int32) geom.Point2 {
	return geom.Point2{X: s.Get1D(id, dim), Y: s.Get1D(id, dim+1)}
}

// SampleID returns the path id of sample n of pixel (x, y) on a film of the
// given width.
func (s Sampler) SampleID(x, y, width int, n uint32) uint64 {
	return (uint64(y)*uint64(width)+uint64(x))*uint64(s.SamplesPerPixel) + uint64(n)
}
