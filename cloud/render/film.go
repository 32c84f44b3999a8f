package render

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/image/tiff"

	"github.com/treelet-sim/treelet-sim/cloud"
	"github.com/treelet-sim/treelet-sim/cloud/geom"
)

// Film accumulates samples into pixels. A pixel's value is the weighted sum
// of its samples' radiance divided by the pixel sample count, so the several
// samples one path produces add up.
//
// Thread-safety: NOT thread-safe.
type Film struct {
	Width, Height int
	SPP           uint32

	sum     []geom.Spectrum
	samples int
	dropped int
}

// NewFilm returns a black film.
func NewFilm(width, height int, spp uint32) *Film {
	if width <= 0 || height <= 0 || spp == 0 {
		panic(fmt.Sprintf("NewFilm: invalid film %dx%d spp=%d", width, height, spp))
	}
	return &Film{Width: width, Height: height, SPP: spp, sum: make([]geom.Spectrum, width*height)}
}

// AddSample accumulates one finished sample. Samples whose id maps outside
// the film are counted and dropped.
func (f *Film) AddSample(s cloud.Sample) {
	x, y := s.SamplePixel(f.Width, f.Height, f.SPP)
	if y >= f.Height {
		f.dropped++
		logrus.Warnf("film: sample %d maps to row %d outside %dx%d film", s.SampleID, y, f.Width, f.Height)
		return
	}
	i := y*f.Width + x
	f.sum[i] = f.sum[i].Add(s.L.Scale(s.Weight))
	f.samples++
}

// Samples returns the number of accumulated samples.
func (f *Film) Samples() int { return f.samples }

// Dropped returns the number of samples rejected by AddSample.
func (f *Film) Dropped() int { return f.dropped }

// Pixel returns the current estimate at (x, y).
func (f *Film) Pixel(x, y int) geom.Spectrum {
	return f.sum[y*f.Width+x].Scale(1 / float64(f.SPP))
}

func toSRGB(v float64) uint16 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v <= 0.0031308 {
		v *= 12.92
	} else {
		v = 1.055*math.Pow(v, 1/2.4) - 0.055
	}
	return uint16(math.Min(v, 1) * 0xffff)
}

// Image converts the film to 16-bit sRGB.
func (f *Film) Image() *image.NRGBA64 {
	img := image.NewNRGBA64(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			p := f.Pixel(x, y)
			img.SetNRGBA64(x, y, color.NRGBA64{R: toSRGB(p[0]), G: toSRGB(p[1]), B: toSRGB(p[2]), A: 0xffff})
		}
	}
	return img
}

// WriteImage writes the film as PNG or TIFF depending on the extension of
// path.
func (f *Film) WriteImage(path string) (err error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".png" && ext != ".tif" && ext != ".tiff" {
		return fmt.Errorf("writing %s: unsupported image format %q", path, ext)
	}
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("writing %s: %w", path, cerr)
		}
	}()
	img := f.Image()
	if ext == ".png" {
		err = png.Encode(out, img)
	} else {
		err = tiff.Encode(out, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	}
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	logrus.Infof("wrote %dx%d image to %s (%d samples)", f.Width, f.Height, path, f.samples)
	return nil
}
