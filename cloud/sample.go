package cloud

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/treelet-sim/treelet-sim/cloud/geom"
)

// SampleSize is the fixed serialized length of a Sample.
const SampleSize = 8 + 2*8 + 8 + 3*8

// ErrMalformedSample is returned when a sample record has the wrong length.
var ErrMalformedSample = errors.New("malformed sample")

// Sample is the terminal radiance estimate for one path segment. A camera
// path contributes one Sample per finished shadow ray plus one for the ray
// that escapes or exhausts its bounces.
type Sample struct {
	SampleID uint64
	PFilm    geom.Point2
	Weight   float64
	L        geom.Spectrum
}

// NewSample captures the film identity and accumulated radiance of rs.
// Non-finite radiance is dropped to black so one bad path cannot poison a
// pixel.
func NewSample(rs *RayState) Sample {
	l := rs.Ld
	for i := range l {
		if math.IsNaN(l[i]) || math.IsInf(l[i], 0) {
			l = geom.Spectrum{}
			break
		}
	}
	return Sample{
		SampleID: rs.Sample.ID,
		PFilm:    rs.Sample.PFilm,
		Weight:   rs.Sample.Weight,
		L:        l,
	}
}

// SampleNum returns the index of this sample within its pixel.
func (s Sample) SampleNum(spp uint32) int64 { return sampleNum(s.SampleID, spp) }

// SamplePixel returns the pixel this sample lands in.
func (s Sample) SamplePixel(width, height int, spp uint32) (int, int) {
	return samplePixel(s.SampleID, width, height, spp)
}

// Serialize writes s into buf, which must hold SampleSize bytes.
func (s Sample) Serialize(buf []byte) int {
	if len(buf) < SampleSize {
		panic(fmt.Sprintf("Serialize: buffer of %d bytes cannot hold a sample", len(buf)))
	}
	e := encoder{buf: buf}
	e.u64(s.SampleID)
	e.f64(s.PFilm.X)
	e.f64(s.PFilm.Y)
	e.f64(s.Weight)
	e.spectrum(s.L)
	return e.off
}

// Deserialize reads a sample from exactly SampleSize bytes.
func (s *Sample) Deserialize(buf []byte) error {
	if len(buf) != SampleSize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedSample, len(buf), SampleSize)
	}
	d := decoder{buf: buf}
	s.SampleID = d.u64()
	s.PFilm.X = d.f64()
	s.PFilm.Y = d.f64()
	s.Weight = d.f64()
	s.L = d.spectrum()
	return nil
}

// EncodeSamples packs samples as a count followed by fixed-size records.
func EncodeSamples(samples []Sample) []byte {
	buf := make([]byte, 4+len(samples)*SampleSize)
	binary.LittleEndian.PutUint32(buf, uint32(len(samples)))
	off := 4
	for _, s := range samples {
		off += s.Serialize(buf[off:])
	}
	return buf
}

// DecodeSamples is the inverse of EncodeSamples.
func DecodeSamples(buf []byte) ([]Sample, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: missing count", ErrMalformedSample)
	}
	n := int(binary.LittleEndian.Uint32(buf))
	if len(buf) != 4+n*SampleSize {
		return nil, fmt.Errorf("%w: %d samples need %d bytes, got %d", ErrMalformedSample, n, 4+n*SampleSize, len(buf))
	}
	out := make([]Sample, n)
	for i := range out {
		off := 4 + i*SampleSize
		if err := out[i].Deserialize(buf[off : off+SampleSize]); err != nil {
			return nil, err
		}
	}
	return out, nil
}
