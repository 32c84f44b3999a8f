// Package scenegen builds the procedural test scene: a lit room floor
// scattered with boxes, plus instanced copies of one object, partitioned
// into treelets and written as scene objects.
package scenegen

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/treelet-sim/treelet-sim/cloud"
	"github.com/treelet-sim/treelet-sim/cloud/bvh"
	"github.com/treelet-sim/treelet-sim/cloud/geom"
	"github.com/treelet-sim/treelet-sim/cloud/render"
	"github.com/treelet-sim/treelet-sim/cloud/storage"
)

// Options describe the generated scene.
type Options struct {
	Width      int
	Height     int
	SPP        uint32
	Seed       int64
	Boxes      int
	Instances  int
	MaxBounces uint8
	Build      bvh.BuildOptions
}

// DefaultOptions is a small scene that still spans many treelets.
func DefaultOptions() Options {
	return Options{
		Width:      64,
		Height:     48,
		SPP:        4,
		Seed:       1,
		Boxes:      64,
		Instances:  8,
		MaxBounces: cloud.DefaultRemainingBounces,
		Build:      bvh.BuildOptions{MaxTreeletNodes: 64, LeafSize: 4, MaxDepth: 30},
	}
}

// Validate checks option ranges.
func (o Options) Validate() error {
	if o.Width <= 0 || o.Height <= 0 {
		return fmt.Errorf("resolution must be positive, got %dx%d", o.Width, o.Height)
	}
	if o.SPP == 0 {
		return fmt.Errorf("samples per pixel must be positive")
	}
	if o.Boxes < 0 || o.Instances < 0 {
		return fmt.Errorf("box and instance counts must be non-negative")
	}
	return o.Build.Validate()
}

const (
	matFloor uint32 = iota + 1
	matBox
	matObject
	matLamp
)

// Box returns the twelve triangles of an axis-aligned box.
func Box(id, material uint32, min, max geom.Vec) bvh.SourceMesh {
	b := geom.Bounds3{Min: min, Max: max}
	p := make([]geom.Vec, 8)
	for i := range p {
		p[i] = b.Corner(i)
	}
	return bvh.SourceMesh{ID: id, Material: material, P: p, Indices: []uint32{
		0, 2, 1, 1, 2, 3,
		4, 5, 6, 5, 7, 6,
		0, 1, 4, 1, 5, 4,
		2, 6, 3, 3, 6, 7,
		0, 4, 2, 2, 4, 6,
		1, 3, 5, 3, 7, 5,
	}}
}

// Generate returns a populated builder and the matching camera, sampler and
// lights.
func Generate(opts Options) (*bvh.Builder, *render.Scene, error) {
	if err := opts.Validate(); err != nil {
		return nil, nil, err
	}
	rng := cloud.NewPartitionedRNG(cloud.RunKey(opts.Seed)).ForSubsystem(cloud.SubsystemScene)

	b := bvh.NewBuilder(opts.Build)
	b.AddMaterial(bvh.Material{ID: matFloor, Reflectance: geom.NewSpectrum(0.6)})
	b.AddMaterial(bvh.Material{ID: matBox, Reflectance: geom.Spectrum{0.7, 0.3, 0.2}})
	b.AddMaterial(bvh.Material{ID: matObject, Reflectance: geom.Spectrum{0.2, 0.4, 0.7}})
	b.AddMaterial(bvh.Material{ID: matLamp, Emission: geom.NewSpectrum(4)})

	b.AddMesh(bvh.SourceMesh{ID: 0, Material: matFloor,
		P:       []geom.Vec{{X: -20, Z: -20}, {X: 20, Z: -20}, {X: 20, Z: 20}, {X: -20, Z: 20}},
		Indices: []uint32{0, 1, 2, 0, 2, 3},
	})
	b.AddMesh(Box(1, matLamp, geom.Vec{X: -1, Y: 9.9, Z: -1}, geom.Vec{X: 1, Y: 10, Z: 1}))
	for i := 0; i < opts.Boxes; i++ {
		c := geom.Vec{X: rng.Float64()*24 - 12, Y: rng.Float64() * 2, Z: rng.Float64()*24 - 12}
		h := geom.Vec{X: 0.2 + rng.Float64()*0.8, Y: 0.2 + rng.Float64()*1.5, Z: 0.2 + rng.Float64()*0.8}
		lo := r3.Sub(c, h)
		lo.Y = max(lo.Y, 0)
		b.AddMesh(Box(uint32(2+i), matBox, lo, r3.Add(c, h)))
	}

	if opts.Instances > 0 {
		var parts []bvh.SourceMesh
		for k := 0; k < 4; k++ {
			y := float64(k) * 0.5
			s := 0.5 - float64(k)*0.1
			parts = append(parts, Box(uint32(10000+k), matObject, geom.Vec{X: -s, Y: y, Z: -s}, geom.Vec{X: s, Y: y + 0.5, Z: s}))
		}
		obj := b.AddObject(parts...)
		for i := 0; i < opts.Instances; i++ {
			at := geom.Vec{X: rng.Float64()*20 - 10, Z: rng.Float64()*20 - 10}
			xf := geom.Translate(at).Compose(geom.Rotate(rng.Float64()*360, geom.Vec{Y: 1}))
			b.AddInstance(obj, xf)
		}
	}

	cam, err := render.NewCamera(geom.Vec{X: 0, Y: 8, Z: -22}, geom.Vec{X: 0, Y: 0, Z: 0}, geom.Vec{Y: 1}, 50, opts.Width, opts.Height)
	if err != nil {
		return nil, nil, err
	}
	sc := &render.Scene{
		Camera:  cam,
		Sampler: render.NewSampler(opts.SPP, uint64(opts.Seed)),
		Lights: []render.PointLight{
			{Position: geom.Vec{X: 0, Y: 9, Z: 0}, Intensity: geom.NewSpectrum(60)},
			{Position: geom.Vec{X: -8, Y: 6, Z: -8}, Intensity: geom.Spectrum{20, 18, 14}},
		},
		MaxBounces: opts.MaxBounces,
	}
	return b, sc, nil
}

// Write generates the scene and stores treelets, render objects and the
// manifest through mgr.
func Write(mgr *storage.SceneManager, opts Options) (bvh.BuildStats, error) {
	b, sc, err := Generate(opts)
	if err != nil {
		return bvh.BuildStats{}, err
	}
	treelets, stats, err := b.Build()
	if err != nil {
		return stats, fmt.Errorf("building scene: %w", err)
	}
	if err := bvh.WriteScene(mgr, treelets); err != nil {
		return stats, err
	}
	if err := render.WriteScene(mgr, sc); err != nil {
		return stats, err
	}
	if err := mgr.WriteManifest(); err != nil {
		return stats, fmt.Errorf("writing manifest: %w", err)
	}
	logrus.Infof("scene: %d treelets, %d nodes, %d triangles, %d instances",
		stats.Treelets, stats.Nodes, stats.Triangles, stats.Instances)
	return stats, nil
}
