package bvh

import (
	"io"
	"math"
	"math/rand"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/treelet-sim/treelet-sim/cloud"
	"github.com/treelet-sim/treelet-sim/cloud/geom"
	"github.com/treelet-sim/treelet-sim/cloud/storage"
)

func boxMesh(id, material uint32, min, max geom.Vec) SourceMesh {
	b := geom.Bounds3{Min: min, Max: max}
	p := make([]geom.Vec, 8)
	for i := range p {
		p[i] = b.Corner(i)
	}
	// Corner(i) picks Max on axis k when bit k of i is set.
	idx := []uint32{
		0, 2, 1, 1, 2, 3, // z min
		4, 5, 6, 5, 7, 6, // z max
		0, 1, 4, 1, 5, 4, // y min
		2, 6, 3, 3, 6, 7, // y max
		0, 4, 2, 2, 4, 6, // x min
		1, 3, 5, 3, 7, 5, // x max
	}
	return SourceMesh{ID: id, Material: material, P: p, Indices: idx}
}

// testScene is a floor with scattered boxes and two instances of a small
// object.
func testScene(opts BuildOptions) *Builder {
	b := NewBuilder(opts)
	b.AddMaterial(Material{ID: 1, Reflectance: geom.NewSpectrum(0.5)})
	b.AddMaterial(Material{ID: 2, Reflectance: geom.Spectrum{0.8, 0.2, 0.2}})
	b.AddMesh(SourceMesh{ID: 100, Material: 1,
		P:       []geom.Vec{{X: -10, Y: 0, Z: -10}, {X: 10, Y: 0, Z: -10}, {X: 10, Y: 0, Z: 10}, {X: -10, Y: 0, Z: 10}},
		Indices: []uint32{0, 1, 2, 0, 2, 3},
	})
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 24; i++ {
		c := geom.Vec{X: rng.Float64()*16 - 8, Y: rng.Float64() * 3, Z: rng.Float64()*16 - 8}
		h := 0.2 + rng.Float64()*0.6
		b.AddMesh(boxMesh(uint32(i), 2, r3.Sub(c, geom.Vec{X: h, Y: h, Z: h}), r3.Add(c, geom.Vec{X: h, Y: h, Z: h})))
	}
	obj := b.AddObject(boxMesh(200, 1, geom.Vec{X: -0.5, Y: 0, Z: -0.5}, geom.Vec{X: 0.5, Y: 1, Z: 0.5}))
	b.AddInstance(obj, geom.Translate(geom.Vec{X: 3, Y: 0, Z: 3}))
	b.AddInstance(obj, geom.Translate(geom.Vec{X: -4, Y: 0.5, Z: 2}).Compose(geom.Scale(2, 2, 2)))
	return b
}

func buildBVH(t *testing.T, opts BuildOptions) (*CloudBVH, []*TreeletData) {
	t.Helper()
	treelets, _, err := testScene(opts).Build()
	require.NoError(t, err)
	b, err := FromTreelets(treelets)
	require.NoError(t, err)
	return b, treelets
}

func randomRays(n int) []geom.Ray {
	rng := rand.New(rand.NewSource(42))
	rays := make([]geom.Ray, n)
	for i := range rays {
		o := geom.Vec{X: rng.Float64()*30 - 15, Y: rng.Float64()*8 + 0.5, Z: rng.Float64()*30 - 15}
		target := geom.Vec{X: rng.Float64()*16 - 8, Y: rng.Float64() * 3, Z: rng.Float64()*16 - 8}
		rays[i] = geom.NewRay(o, r3.Sub(target, o))
	}
	return rays
}

// traceContinuation drives Trace until the stack is exhausted, counting how
// many times the ray had to move to another treelet.
func traceContinuation(t *testing.T, b *CloudBVH, r geom.Ray, shadow bool) (*cloud.RayState, int) {
	t.Helper()
	rs := cloud.NewRayState()
	rs.Ray.Ray = r
	rs.IsShadowRay = shadow
	rs.StartTrace()
	hops := 0
	for !rs.ToVisitEmpty() {
		foreign, err := b.Trace(rs)
		require.NoError(t, err)
		if foreign {
			hops++
		}
		if shadow && rs.HasHit() {
			break
		}
	}
	return rs, hops
}

func TestBuild_PartitionedMatchesSingleTreelet(t *testing.T) {
	// GIVEN the same scene built into one treelet and into many tiny ones
	single, singleData := buildBVH(t, BuildOptions{MaxTreeletNodes: 1 << 20, LeafSize: 4, MaxDepth: 30})
	split, splitData := buildBVH(t, BuildOptions{MaxTreeletNodes: 3, LeafSize: 4, MaxDepth: 30})
	require.Greater(t, len(splitData), len(singleData)+10)

	// WHEN the same rays are intersected against both
	// THEN hits agree in distance and source triangle
	hits := 0
	for i, r := range randomRays(400) {
		a, okA := single.Intersect(r)
		b, okB := split.Intersect(r)
		require.Equal(t, okA, okB, "ray %d", i)
		if !okA {
			continue
		}
		hits++
		assert.InDelta(t, a.T, b.T, 1e-9, "ray %d", i)
		assert.Equal(t, a.Mesh, b.Mesh, "ray %d", i)
		assert.Equal(t, a.Face, b.Face, "ray %d", i)
		assert.Equal(t, a.Material, b.Material, "ray %d", i)
		assert.Equal(t, single.IntersectP(r), split.IntersectP(r))
	}
	assert.Greater(t, hits, 100)
}

func TestTrace_ContinuationMatchesDirectIntersect(t *testing.T) {
	// GIVEN a partitioned scene with instances
	b, _ := buildBVH(t, BuildOptions{MaxTreeletNodes: 5, LeafSize: 2, MaxDepth: 30})

	totalHops := 0
	for i, r := range randomRays(300) {
		// WHEN the ray is traced one treelet at a time
		rs, hops := traceContinuation(t, b, r, false)
		totalHops += hops
		want, ok := b.Intersect(r)

		// THEN the continuation finds the same closest hit
		require.Equal(t, ok, rs.HasHit(), "ray %d", i)
		if !ok {
			continue
		}
		got, hit, err := b.IntersectState(rs)
		require.NoError(t, err)
		require.True(t, hit)
		assert.InDelta(t, want.T, got.T, 1e-9, "ray %d", i)
		assert.Equal(t, want.Mesh, got.Mesh, "ray %d", i)
		assert.Equal(t, want.Face, got.Face, "ray %d", i)
		assert.InDelta(t, 0, r3.Norm(r3.Sub(want.P, got.P)), 1e-6, "ray %d", i)
		assert.InDelta(t, 0, r3.Norm(r3.Sub(want.N, got.N)), 1e-6, "ray %d", i)
	}
	assert.Greater(t, totalHops, 0)
}

func TestTrace_ShadowRayStopsAtFirstHit(t *testing.T) {
	b, _ := buildBVH(t, BuildOptions{MaxTreeletNodes: 4, LeafSize: 2, MaxDepth: 30})
	for _, r := range randomRays(100) {
		rs, _ := traceContinuation(t, b, r, true)
		assert.Equal(t, b.IntersectP(r), rs.HasHit())
	}
}

// twoTreelets is a root treelet with a single interior node whose children
// are two leaves in treelet 1.
func twoTreelets() []*TreeletData {
	big := geom.Vec{X: 10, Y: 10, Z: 10}
	mesh := Mesh{ID: 1, Source: 9, Material: 3,
		P:       []geom.Vec{{X: -1, Y: -1, Z: 5}, {X: 1, Y: -1, Z: 5}, {X: 0, Y: 1, Z: 5}, {X: -1, Y: -1, Z: 8}, {X: 1, Y: -1, Z: 8}, {X: 0, Y: 1, Z: 8}},
		Indices: []uint32{0, 1, 2, 3, 4, 5},
		Faces:   []uint32{0, 1},
	}
	t0 := &TreeletData{ID: 0, Nodes: []NodeRecord{{
		Min: r3.Scale(-1, big), Max: big, Axis: 2,
		Children: [2]ChildRef{{Treelet: 1, Node: 0}, {Treelet: 1, Node: 1}},
	}}}
	t1 := &TreeletData{ID: 1,
		Meshes:    []Mesh{mesh},
		Materials: []Material{{ID: 3, Reflectance: geom.NewSpectrum(0.5)}},
		Nodes: []NodeRecord{
			{Min: geom.Vec{X: -1, Y: -1, Z: 5}, Max: geom.Vec{X: 1, Y: 1, Z: 5}, Tag: LeafTag, PrimOffset: 0, PrimCount: 1},
			{Min: geom.Vec{X: -1, Y: -1, Z: 8}, Max: geom.Vec{X: 1, Y: 1, Z: 8}, Tag: LeafTag, PrimOffset: 1, PrimCount: 1},
		},
		Primitives: []PrimitiveRecord{{Kind: PrimTriangle, Mesh: 1, Face: 0}, {Kind: PrimTriangle, Mesh: 1, Face: 1}},
	}
	return []*TreeletData{t0, t1}
}

func TestTrace_TwoTreelets_OneForeignTransitionBeforeHit(t *testing.T) {
	// GIVEN a root treelet whose children all live in treelet 1
	b, err := FromTreelets(twoTreelets())
	require.NoError(t, err)
	rs := cloud.NewRayState()
	rs.Ray.Ray = geom.NewRay(geom.Vec{}, geom.Vec{X: 0, Y: 0, Z: 1})
	rs.StartTrace()

	// WHEN the root treelet is traced
	foreign, err := b.Trace(rs)

	// THEN the ray awaits treelet 1 without a hit
	require.NoError(t, err)
	assert.True(t, foreign)
	assert.False(t, rs.HasHit())
	assert.Equal(t, cloud.TreeletID(1), rs.CurrentTreelet())

	// WHEN treelet 1 is traced
	foreign, err = b.Trace(rs)

	// THEN the nearer triangle is hit and the stack is exhausted
	require.NoError(t, err)
	assert.False(t, foreign)
	assert.True(t, rs.HasHit())
	assert.True(t, rs.ToVisitEmpty())
	assert.InDelta(t, 5.0, rs.Ray.TMax, 1e-9)
	si, ok, err := b.IntersectState(rs)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(9), si.Mesh)
	assert.Equal(t, uint32(0), si.Face)
	assert.Equal(t, uint32(3), si.Material)

	direct, ok := b.Intersect(geom.NewRay(geom.Vec{}, geom.Vec{X: 0, Y: 0, Z: 1}))
	require.True(t, ok)
	assert.InDelta(t, direct.T, si.T, 1e-12)
}

func TestTrace_LoadsOnlyCurrentTreelet(t *testing.T) {
	// GIVEN the two-treelet scene in storage
	mgr, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	require.NoError(t, WriteScene(mgr, twoTreelets()))
	b := New(mgr)

	rs := cloud.NewRayState()
	rs.Ray.Ray = geom.NewRay(geom.Vec{}, geom.Vec{X: 0, Y: 0, Z: 1})
	rs.StartTrace()

	// WHEN only the root treelet is traced
	_, err = b.Trace(rs)
	require.NoError(t, err)

	// THEN treelet 1 has not been read
	assert.Equal(t, []uint32{0}, b.LoadedTreelets())

	_, err = b.Trace(rs)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1}, b.LoadedTreelets())
}

func TestPreload_WalksDependencies(t *testing.T) {
	mgr, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	treelets, _, err := testScene(BuildOptions{MaxTreeletNodes: 4, LeafSize: 2, MaxDepth: 30}).Build()
	require.NoError(t, err)
	require.NoError(t, WriteScene(mgr, treelets))

	b := New(mgr, WithPreloadAll())
	require.NoError(t, b.LoadTreelet(0))
	assert.Len(t, b.LoadedTreelets(), len(treelets))
}

func TestAddTreelet_Malformed_NothingCached(t *testing.T) {
	good := twoTreelets()[1]
	tests := []struct {
		name   string
		mutate func(d *TreeletData)
	}{
		{"no nodes", func(d *TreeletData) { d.Nodes = nil }},
		{"bad axis", func(d *TreeletData) { d.Nodes[0].Axis = 3 }},
		{"leaf with children", func(d *TreeletData) { d.Nodes[0].Children[0] = ChildRef{Treelet: 1, Node: 1} }},
		{"empty leaf", func(d *TreeletData) { d.Nodes[0].PrimCount = 0 }},
		{"prims out of range", func(d *TreeletData) { d.Nodes[1].PrimOffset = 5 }},
		{"unknown mesh", func(d *TreeletData) { d.Primitives[0].Mesh = 77 }},
		{"face out of range", func(d *TreeletData) { d.Primitives[1].Face = 2 }},
		{"bad index", func(d *TreeletData) { d.Meshes[0].Indices[0] = 99 }},
		{"self child", func(d *TreeletData) {
			d.Nodes[0] = NodeRecord{Children: [2]ChildRef{{Treelet: 1, Node: 0}, {Treelet: 1, Node: 1}}}
		}},
		{"cycle", func(d *TreeletData) {
			d.Nodes[0] = NodeRecord{Children: [2]ChildRef{{Treelet: 1, Node: 1}, {Treelet: 1, Node: 1}}}
			d.Nodes[1] = NodeRecord{Children: [2]ChildRef{{Treelet: 1, Node: 0}, {Treelet: 1, Node: 0}}}
		}},
		{"singular transform", func(d *TreeletData) { d.Transforms = []TransformRecord{{ID: 4}} }},
		{"unknown transform", func(d *TreeletData) {
			d.Primitives[0] = PrimitiveRecord{Kind: PrimInstance, Instance: InstanceRef{Treelet: 2, Transform: 8}}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// GIVEN a copy of a valid treelet with one defect
			d := *good
			d.Nodes = append([]NodeRecord(nil), good.Nodes...)
			d.Primitives = append([]PrimitiveRecord(nil), good.Primitives...)
			m := good.Meshes[0]
			m.Indices = append([]uint32(nil), m.Indices...)
			d.Meshes = []Mesh{m}
			tc.mutate(&d)
			b := New(nil)

			// WHEN it is installed
			err := b.AddTreelet(&d)

			// THEN it is rejected and nothing is cached
			assert.ErrorIs(t, err, ErrMalformedTreelet)
			assert.False(t, b.Loaded(1))
			assert.Empty(t, b.meshes)
			assert.Empty(t, b.materials)
		})
	}
}

func TestLoad_TruncatedObject_Fails(t *testing.T) {
	mgr, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	w := mgr.GetWriter(storage.ObjectTreelet, 0)
	require.NoError(t, w.Write(TreeletHeader{ID: 0, NodeCount: 3}))
	require.NoError(t, w.Close())

	b := New(mgr)
	err = b.LoadTreelet(0)
	assert.ErrorIs(t, err, ErrMalformedTreelet)
	assert.False(t, b.Loaded(0))
}

func TestLoad_ObjectHoldsOtherTreelet_Fails(t *testing.T) {
	// GIVEN object T1 whose header claims treelet 0
	mgr, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	w := mgr.GetWriter(storage.ObjectTreelet, 1)
	require.NoError(t, WriteTreelet(w, twoTreelets()[0]))
	require.NoError(t, w.Close())
	b := New(mgr)

	// WHEN treelet 1 is requested
	_, err = b.NodeCount(1)

	// THEN the load fails and neither id is cached
	assert.ErrorIs(t, err, ErrMalformedTreelet)
	assert.False(t, b.Loaded(1))
	assert.False(t, b.Loaded(0))
}

type recordStream []any

func (s *recordStream) Read(v any) error {
	if len(*s) == 0 {
		return io.EOF
	}
	switch dst := v.(type) {
	case *TreeletHeader:
		*dst = (*s)[0].(TreeletHeader)
	case *NodeRecord:
		*dst = (*s)[0].(NodeRecord)
	}
	*s = (*s)[1:]
	return nil
}

func TestReadTreelet_HugeHeaderCounts_RejectedWithoutLargeAllocation(t *testing.T) {
	// GIVEN a header announcing a billion nodes followed by a single node
	r := &recordStream{
		TreeletHeader{ID: 3, NodeCount: 1 << 30, PrimitiveCount: 1 << 30},
		NodeRecord{Tag: LeafTag, PrimCount: 1},
	}

	// WHEN the stream is read
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	_, err := ReadTreelet(r)
	runtime.ReadMemStats(&after)

	// THEN it is rejected as truncated and the counts reserved little memory
	assert.ErrorIs(t, err, ErrMalformedTreelet)
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(16<<20))
}

func TestTrace_DeepChain_StaysWithinStack(t *testing.T) {
	// GIVEN a degenerate chain of 62 interior nodes, each with a leaf as its
	// far child and the next node as its near child
	const depth = 62
	tri := Mesh{ID: 1, P: []geom.Vec{{X: -1, Y: -1, Z: 10}, {X: 1, Y: -1, Z: 10}, {X: 0, Y: 1, Z: 10}}, Indices: []uint32{0, 1, 2}, Faces: []uint32{0}}
	big := geom.Bounds3{Min: geom.Vec{X: -20, Y: -20, Z: -20}, Max: geom.Vec{X: 20, Y: 20, Z: 20}}
	d := &TreeletData{ID: 0, Meshes: []Mesh{tri}, Primitives: []PrimitiveRecord{{Kind: PrimTriangle, Mesh: 1}}}
	for i := 0; i < depth; i++ {
		d.Nodes = append(d.Nodes, NodeRecord{Min: big.Min, Max: big.Max, Axis: 0,
			Children: [2]ChildRef{{Node: uint32(i + 1)}, {Node: uint32(depth + 1 + i)}}})
	}
	d.Nodes = append(d.Nodes, NodeRecord{Min: big.Min, Max: big.Max, Tag: LeafTag, PrimCount: 1})
	for i := 0; i < depth; i++ {
		d.Nodes = append(d.Nodes, NodeRecord{Min: big.Min, Max: big.Max, Tag: LeafTag, PrimCount: 1})
	}
	b, err := FromTreelets([]*TreeletData{d})
	require.NoError(t, err)

	// WHEN a ray is traced through it
	rs, hops := traceContinuation(t, b, geom.NewRay(geom.Vec{}, geom.Vec{X: 0, Y: 0, Z: 1}), false)

	// THEN it completes without overflowing the pending-visit stack
	assert.Zero(t, hops)
	assert.True(t, rs.HasHit())
	assert.InDelta(t, 10.0, rs.Ray.TMax, 1e-9)
}

func TestBuild_TooDeep_ReturnsError(t *testing.T) {
	b := NewBuilder(BuildOptions{MaxTreeletNodes: 8, LeafSize: 1, MaxDepth: 1})
	var idx []uint32
	var p []geom.Vec
	for i := 0; i < 600; i++ {
		x := float64(i)
		p = append(p, geom.Vec{X: x}, geom.Vec{X: x + 0.5}, geom.Vec{X: x, Y: 1})
		idx = append(idx, uint32(3*i), uint32(3*i+1), uint32(3*i+2))
	}
	b.AddMesh(SourceMesh{ID: 1, P: p, Indices: idx})
	_, _, err := b.Build()
	assert.ErrorIs(t, err, ErrSceneTooDeep)
}

func TestBuildOptions_Validate(t *testing.T) {
	assert.NoError(t, DefaultBuildOptions().Validate())
	assert.Error(t, BuildOptions{MaxTreeletNodes: 0, LeafSize: 4, MaxDepth: 30}.Validate())
	assert.Error(t, BuildOptions{MaxTreeletNodes: 8, LeafSize: 256, MaxDepth: 30}.Validate())
	assert.Error(t, BuildOptions{MaxTreeletNodes: 8, LeafSize: 4, MaxDepth: 31}.Validate())
}

func TestBuild_Stats(t *testing.T) {
	treelets, stats, err := testScene(BuildOptions{MaxTreeletNodes: 6, LeafSize: 4, MaxDepth: 30}).Build()
	require.NoError(t, err)
	assert.Equal(t, len(treelets), stats.Treelets)
	assert.Equal(t, 2+24*12+12, stats.Triangles)
	assert.Equal(t, 2, stats.Instances)
	nodes := 0
	for i, td := range treelets {
		assert.Equal(t, uint32(i), td.ID)
		assert.LessOrEqual(t, len(td.Nodes), 6)
		nodes += len(td.Nodes)
	}
	assert.Equal(t, nodes, stats.Nodes)
}

func TestBounds_Queries(t *testing.T) {
	b, _ := buildBVH(t, BuildOptions{MaxTreeletNodes: 4, LeafSize: 2, MaxDepth: 30})
	world, err := b.WorldBound()
	require.NoError(t, err)
	assert.InDelta(t, -10, world.Min.X, 1e-9)
	assert.InDelta(t, 10, world.Max.Z, 1e-9)

	nodes, err := b.TreeletNodeBounds(0, 4)
	require.NoError(t, err)
	assert.Len(t, nodes, 4)

	sa, err := b.RootSurfaceAreas(geom.Identity())
	require.NoError(t, err)
	assert.Greater(t, sa, world.SurfaceArea())
	doubled, err := b.RootSurfaceAreas(geom.Scale(2, 2, 2))
	require.NoError(t, err)
	assert.InDelta(t, 4*sa, doubled, 1e-6*sa)

	assert.GreaterOrEqual(t, b.SurfaceAreaUnion(), world.SurfaceArea())
	assert.False(t, math.IsNaN(b.SurfaceAreaUnion()))
}
