package geom

import "math"

// Spectrum is an RGB triple.
type Spectrum [3]float64

// NewSpectrum returns a spectrum with all channels set to v.
func NewSpectrum(v float64) Spectrum {
	return Spectrum{v, v, v}
}

// Add returns s+o.
func (s Spectrum) Add(o Spectrum) Spectrum {
	return Spectrum{s[0] + o[0], s[1] + o[1], s[2] + o[2]}
}

// Mul returns the channel-wise product.
func (s Spectrum) Mul(o Spectrum) Spectrum {
	return Spectrum{s[0] * o[0], s[1] * o[1], s[2] * o[2]}
}

// Scale returns s*f.
func (s Spectrum) Scale(f float64) Spectrum {
	return Spectrum{s[0] * f, s[1] * f, s[2] * f}
}

// IsBlack reports whether every channel is zero.
func (s Spectrum) IsBlack() bool {
	return s[0] == 0 && s[1] == 0 && s[2] == 0
}

// MaxComponent returns the largest channel.
func (s Spectrum) MaxComponent() float64 {
	return math.Max(s[0], math.Max(s[1], s[2]))
}

// Y returns the luminance.
func (s Spectrum) Y() float64 {
	return 0.212671*s[0] + 0.715160*s[1] + 0.072169*s[2]
}

// HasNaN reports whether any channel is NaN.
func (s Spectrum) HasNaN() bool {
	return math.IsNaN(s[0]) || math.IsNaN(s[1]) || math.IsNaN(s[2])
}
