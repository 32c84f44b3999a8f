// Package render holds the pieces of a renderer that sit around the treelet
// core: a pinhole camera, a hash-based sampler, point lights, a diffuse
// shader that turns hits into new continuations, and the film that
// accumulates finished samples.
//
// None of this is tuned for image quality. It exists so that continuations
// have real work to do and the pipeline runs end to end.
package render

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/treelet-sim/treelet-sim/cloud/geom"
)

// Camera is a pinhole camera. The exported fields are what gets stored; the
// basis is derived by Init.
type Camera struct {
	Position geom.Vec
	LookAt   geom.Vec
	Up       geom.Vec
	FOV      float64 // vertical field of view, degrees
	Width    int
	Height   int

	origin, lowerLeft, horizontal, vertical geom.Vec
	ready                                   bool
}

// NewCamera returns an initialized camera.
func NewCamera(position, lookAt, up geom.Vec, fov float64, width, height int) (*Camera, error) {
	c := &Camera{Position: position, LookAt: lookAt, Up: up, FOV: fov, Width: width, Height: height}
	if err := c.Init(); err != nil {
		return nil, err
	}
	return c, nil
}

// Init validates the stored fields and derives the view basis.
func (c *Camera) Init() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("camera: invalid resolution %dx%d", c.Width, c.Height)
	}
	if c.FOV <= 0 || c.FOV >= 180 {
		return fmt.Errorf("camera: field of view %g out of (0, 180)", c.FOV)
	}
	forward := r3.Sub(c.LookAt, c.Position)
	if r3.Norm(forward) == 0 || r3.Norm(r3.Cross(forward, c.Up)) == 0 {
		return fmt.Errorf("camera: degenerate view basis")
	}
	w := r3.Unit(r3.Scale(-1, forward))
	u := r3.Unit(r3.Cross(c.Up, w))
	v := r3.Cross(w, u)

	h := math.Tan(c.FOV * math.Pi / 360)
	viewportHeight := 2 * h
	viewportWidth := viewportHeight * float64(c.Width) / float64(c.Height)

	c.origin = c.Position
	c.horizontal = r3.Scale(viewportWidth, u)
	c.vertical = r3.Scale(viewportHeight, v)
	c.lowerLeft = r3.Sub(r3.Sub(r3.Sub(c.origin, r3.Scale(0.5, c.horizontal)), r3.Scale(0.5, c.vertical)), w)
	c.ready = true
	return nil
}

// SampleBounds returns the film's pixel rectangle.
func (c *Camera) SampleBounds() geom.Bounds2i {
	return geom.NewBounds2i(0, 0, c.Width, c.Height)
}

func (c *Camera) direction(pFilm geom.Point2) geom.Vec {
	s := pFilm.X / float64(c.Width)
	t := 1 - pFilm.Y/float64(c.Height)
	return r3.Sub(r3.Add(r3.Add(c.lowerLeft, r3.Scale(s, c.horizontal)), r3.Scale(t, c.vertical)), c.origin)
}

// GenerateRay returns the ray through film position pFilm (in pixels, y
// down) with differentials one pixel over in x and y.
func (c *Camera) GenerateRay(pFilm geom.Point2) geom.RayDifferential {
	if !c.ready {
		panic("Camera.GenerateRay: camera not initialized")
	}
	rd := geom.RayDifferential{
		Ray:              geom.NewRay(c.origin, r3.Unit(c.direction(pFilm))),
		HasDifferentials: true,
		RxOrigin:         c.origin,
		RyOrigin:         c.origin,
		RxDirection:      r3.Unit(c.direction(geom.Point2{X: pFilm.X + 1, Y: pFilm.Y})),
		RyDirection:      r3.Unit(c.direction(geom.Point2{X: pFilm.X, Y: pFilm.Y + 1})),
	}
	return rd
}
