// Package testutil provides shared test fixtures for the cloud packages:
// small procedural scenes on disk, a hand-built two-treelet scene, and float
// assertion helpers.
package testutil

import (
	"math"
	"testing"

	"github.com/treelet-sim/treelet-sim/cloud/bvh"
	"github.com/treelet-sim/treelet-sim/cloud/geom"
	"github.com/treelet-sim/treelet-sim/cloud/render"
	"github.com/treelet-sim/treelet-sim/cloud/scenegen"
	"github.com/treelet-sim/treelet-sim/cloud/storage"
)

// SmallOptions is a procedural scene small enough for unit tests but split
// across many treelets.
func SmallOptions() scenegen.Options {
	o := scenegen.DefaultOptions()
	o.Width, o.Height, o.SPP = 8, 6, 1
	o.Boxes = 12
	o.Instances = 2
	o.MaxBounces = 1
	o.Build.MaxTreeletNodes = 8
	return o
}

// WriteScene writes a procedural scene into a fresh temporary directory and
// returns the open manager.
func WriteScene(t *testing.T, opts scenegen.Options) (*storage.SceneManager, bvh.BuildStats) {
	t.Helper()
	mgr, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening scene dir: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })
	stats, err := scenegen.Write(mgr, opts)
	if err != nil {
		t.Fatalf("writing scene: %v", err)
	}
	return mgr, stats
}

// LoadScene opens the geometry and render settings stored in mgr.
func LoadScene(t *testing.T, mgr *storage.SceneManager, opts ...bvh.Option) (*bvh.CloudBVH, *render.Scene) {
	t.Helper()
	sc, err := render.LoadScene(mgr)
	if err != nil {
		t.Fatalf("loading scene: %v", err)
	}
	return bvh.New(mgr, opts...), sc
}

// TwoTreelets is a root treelet made of one interior node whose children
// both live in treelet 1: a near triangle at z=5 and a far one at z=8,
// facing a ray from the origin along +z. When single is true the same
// geometry is returned as one treelet.
func TwoTreelets(single bool) []*bvh.TreeletData {
	big := geom.Vec{X: 10, Y: 10, Z: 10}
	mesh := bvh.Mesh{ID: 1, Source: 9, Material: 3,
		P:       []geom.Vec{{X: -1, Y: -1, Z: 5}, {X: 1, Y: -1, Z: 5}, {X: 0, Y: 1, Z: 5}, {X: -1, Y: -1, Z: 8}, {X: 1, Y: -1, Z: 8}, {X: 0, Y: 1, Z: 8}},
		Indices: []uint32{0, 1, 2, 3, 4, 5},
		Faces:   []uint32{0, 1},
	}
	mats := []bvh.Material{{ID: 3, Reflectance: geom.NewSpectrum(0.5)}}
	leaves := []bvh.NodeRecord{
		{Min: geom.Vec{X: -1, Y: -1, Z: 5}, Max: geom.Vec{X: 1, Y: 1, Z: 5}, Tag: bvh.LeafTag, PrimOffset: 0, PrimCount: 1},
		{Min: geom.Vec{X: -1, Y: -1, Z: 8}, Max: geom.Vec{X: 1, Y: 1, Z: 8}, Tag: bvh.LeafTag, PrimOffset: 1, PrimCount: 1},
	}
	prims := []bvh.PrimitiveRecord{{Kind: bvh.PrimTriangle, Mesh: 1, Face: 0}, {Kind: bvh.PrimTriangle, Mesh: 1, Face: 1}}
	root := bvh.NodeRecord{Min: geom.Vec{X: -big.X, Y: -big.Y, Z: -big.Z}, Max: big, Axis: 2}

	if single {
		root.Children = [2]bvh.ChildRef{{Node: 1}, {Node: 2}}
		return []*bvh.TreeletData{{ID: 0, Meshes: []bvh.Mesh{mesh}, Materials: mats,
			Nodes: append([]bvh.NodeRecord{root}, leaves...), Primitives: prims}}
	}
	root.Children = [2]bvh.ChildRef{{Treelet: 1, Node: 0}, {Treelet: 1, Node: 1}}
	return []*bvh.TreeletData{
		{ID: 0, Nodes: []bvh.NodeRecord{root}},
		{ID: 1, Meshes: []bvh.Mesh{mesh}, Materials: mats, Nodes: leaves, Primitives: prims},
	}
}

// AssertFloat64Equal compares two float64 values with relative tolerance.
func AssertFloat64Equal(t *testing.T, name string, want, got, relTol float64) {
	t.Helper()
	if want == 0 && got == 0 {
		return
	}
	diff := math.Abs(want - got)
	maxVal := math.Max(math.Abs(want), math.Abs(got))
	if diff/maxVal > relTol {
		t.Errorf("%s: got %v, want %v (diff=%v, relDiff=%v)", name, got, want, diff, diff/maxVal)
	}
}

// AssertSpectrumEqual compares each channel with AssertFloat64Equal.
func AssertSpectrumEqual(t *testing.T, name string, want, got geom.Spectrum, relTol float64) {
	t.Helper()
	for i := range want {
		AssertFloat64Equal(t, name, want[i], got[i], relTol)
	}
}
