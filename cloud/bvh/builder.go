package bvh

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/treelet-sim/treelet-sim/cloud/geom"
	"github.com/treelet-sim/treelet-sim/cloud/storage"
)

// ErrSceneTooDeep is returned when a subtree still holds more than
// MaxLeafPrimitives primitives at MaxDepth.
var ErrSceneTooDeep = errors.New("scene too deep")

// maxTreeletID is the largest id a child reference can carry.
const maxTreeletID = math.MaxUint16

// BuildOptions control BVH construction and treelet partitioning.
type BuildOptions struct {
	MaxTreeletNodes int // node budget per treelet
	LeafSize        int // leaves hold at most this many primitives when splittable
	MaxDepth        int // per-BVH depth cap; instance BVHs get their own
}

// DefaultBuildOptions keeps top-level plus instance depth within the
// pending-visit stack capacity.
func DefaultBuildOptions() BuildOptions {
	return BuildOptions{MaxTreeletNodes: 1024, LeafSize: 4, MaxDepth: 30}
}

// Validate checks option ranges.
func (o BuildOptions) Validate() error {
	if o.MaxTreeletNodes < 1 {
		return fmt.Errorf("max treelet nodes must be positive, got %d", o.MaxTreeletNodes)
	}
	if o.LeafSize < 1 || o.LeafSize > MaxLeafPrimitives {
		return fmt.Errorf("leaf size must be in [1, %d], got %d", MaxLeafPrimitives, o.LeafSize)
	}
	if o.MaxDepth < 1 || 2*o.MaxDepth+4 > 64 {
		return fmt.Errorf("max depth must be in [1, 30], got %d", o.MaxDepth)
	}
	return nil
}

// SourceMesh is input geometry for the Builder.
type SourceMesh struct {
	ID       uint32
	Material uint32
	P        []geom.Vec
	Indices  []uint32
}

// BuildStats summarizes a build.
type BuildStats struct {
	Treelets  int
	Nodes     int
	Triangles int
	Instances int
}

type instanceDef struct {
	object int
	xf     geom.Transform
}

// Builder turns meshes and instanced objects into treelets. Instanced
// objects get BVHs of their own, partitioned into treelets separate from the
// top level; the root treelet is always 0.
type Builder struct {
	opts      BuildOptions
	materials map[uint32]Material
	meshes    []*SourceMesh
	objects   [][]*SourceMesh
	instances []instanceDef
}

// NewBuilder returns an empty builder.
func NewBuilder(opts BuildOptions) *Builder {
	return &Builder{opts: opts, materials: make(map[uint32]Material)}
}

// AddMaterial registers a material referenced by meshes.
func (b *Builder) AddMaterial(m Material) { b.materials[m.ID] = m }

// AddMesh adds top-level geometry.
func (b *Builder) AddMesh(m SourceMesh) { b.meshes = append(b.meshes, &m) }

// AddObject registers geometry that is placed only through AddInstance and
// returns its object index.
func (b *Builder) AddObject(meshes ...SourceMesh) int {
	obj := make([]*SourceMesh, len(meshes))
	for i := range meshes {
		obj[i] = &meshes[i]
	}
	b.objects = append(b.objects, obj)
	return len(b.objects) - 1
}

// AddInstance places object with the instance-to-world transform xf.
func (b *Builder) AddInstance(object int, xf geom.Transform) {
	if object < 0 || object >= len(b.objects) {
		panic(fmt.Sprintf("AddInstance: unknown object %d", object))
	}
	b.instances = append(b.instances, instanceDef{object: object, xf: xf})
}

type buildPrim struct {
	bounds   geom.Bounds3
	centroid geom.Vec
	mesh     *SourceMesh
	face     uint32
	instance int // -1 for triangles
}

type buildNode struct {
	bounds   geom.Bounds3
	axis     uint8
	children [2]*buildNode
	prims    []buildPrim
	treelet  uint32
	local    uint32
}

func (n *buildNode) leaf() bool { return n.children[0] == nil }

type treeletBuild struct {
	id    uint32
	nodes []*buildNode
}

func trianglePrims(meshes []*SourceMesh) ([]buildPrim, error) {
	var prims []buildPrim
	for _, m := range meshes {
		if len(m.Indices)%3 != 0 {
			return nil, fmt.Errorf("mesh %d: index count %d is not a multiple of 3", m.ID, len(m.Indices))
		}
		for f := 0; f < len(m.Indices)/3; f++ {
			for k := 0; k < 3; k++ {
				if int(m.Indices[3*f+k]) >= len(m.P) {
					return nil, fmt.Errorf("mesh %d: index out of range", m.ID)
				}
			}
			tri := geom.Triangle{P0: m.P[m.Indices[3*f]], P1: m.P[m.Indices[3*f+1]], P2: m.P[m.Indices[3*f+2]]}
			prims = append(prims, buildPrim{bounds: tri.Bounds(), centroid: tri.Centroid(), mesh: m, face: uint32(f), instance: -1})
		}
	}
	return prims, nil
}

// buildTree splits on the longest centroid axis at the median.
func (b *Builder) buildTree(prims []buildPrim, depth int) (*buildNode, error) {
	n := &buildNode{bounds: geom.EmptyBounds()}
	cb := geom.EmptyBounds()
	for _, p := range prims {
		n.bounds = n.bounds.Union(p.bounds)
		cb = cb.UnionPoint(p.centroid)
	}
	if len(prims) <= b.opts.LeafSize || depth >= b.opts.MaxDepth {
		if len(prims) > MaxLeafPrimitives {
			return nil, fmt.Errorf("%w: %d primitives left at depth %d", ErrSceneTooDeep, len(prims), depth)
		}
		n.prims = prims
		return n, nil
	}

	axis := cb.MaxExtent()
	sort.SliceStable(prims, func(i, j int) bool {
		return geom.Component(prims[i].centroid, axis) < geom.Component(prims[j].centroid, axis)
	})
	mid := len(prims) / 2
	left, err := b.buildTree(prims[:mid:mid], depth+1)
	if err != nil {
		return nil, err
	}
	right, err := b.buildTree(prims[mid:], depth+1)
	if err != nil {
		return nil, err
	}
	n.axis = uint8(axis)
	n.children = [2]*buildNode{left, right}
	return n, nil
}

// partition fills treelets breadth-first from root up to the node budget;
// every node that does not fit roots a new treelet.
func (b *Builder) partition(root *buildNode, out []*treeletBuild) []*treeletBuild {
	tb := &treeletBuild{id: uint32(len(out))}
	out = append(out, tb)
	queue := []*buildNode{root}
	var overflow []*buildNode
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if len(tb.nodes) >= b.opts.MaxTreeletNodes {
			overflow = append(overflow, n)
			continue
		}
		n.treelet = tb.id
		n.local = uint32(len(tb.nodes))
		tb.nodes = append(tb.nodes, n)
		if !n.leaf() {
			queue = append(queue, n.children[0], n.children[1])
		}
	}
	for _, o := range overflow {
		out = b.partition(o, out)
	}
	return out
}

// Build constructs every treelet in memory.
func (b *Builder) Build() ([]*TreeletData, BuildStats, error) {
	var stats BuildStats
	if err := b.opts.Validate(); err != nil {
		return nil, stats, err
	}

	objectRoots := make([]*buildNode, len(b.objects))
	for i, obj := range b.objects {
		prims, err := trianglePrims(obj)
		if err != nil {
			return nil, stats, fmt.Errorf("object %d: %w", i, err)
		}
		if len(prims) == 0 {
			return nil, stats, fmt.Errorf("object %d has no triangles", i)
		}
		if objectRoots[i], err = b.buildTree(prims, 0); err != nil {
			return nil, stats, fmt.Errorf("object %d: %w", i, err)
		}
	}

	top, err := trianglePrims(b.meshes)
	if err != nil {
		return nil, stats, err
	}
	stats.Triangles = len(top)
	for i, inst := range b.instances {
		bounds := inst.xf.Bounds(objectRoots[inst.object].bounds)
		top = append(top, buildPrim{bounds: bounds, centroid: bounds.Centroid(), instance: i})
	}
	if len(top) == 0 {
		return nil, stats, errors.New("scene has no primitives")
	}
	root, err := b.buildTree(top, 0)
	if err != nil {
		return nil, stats, err
	}

	builds := b.partition(root, nil)
	for _, r := range objectRoots {
		builds = b.partition(r, builds)
	}
	if len(builds)-1 > maxTreeletID {
		return nil, stats, fmt.Errorf("scene needs %d treelets, at most %d are addressable", len(builds), maxTreeletID+1)
	}

	var nextMesh uint32
	out := make([]*TreeletData, len(builds))
	for i, tb := range builds {
		out[i] = b.emit(tb, objectRoots, &nextMesh)
		stats.Nodes += len(tb.nodes)
	}
	stats.Treelets = len(out)
	stats.Instances = len(b.instances)
	for _, obj := range b.objects {
		for _, m := range obj {
			stats.Triangles += len(m.Indices) / 3
		}
	}
	return out, stats, nil
}

func (b *Builder) emit(tb *treeletBuild, objectRoots []*buildNode, nextMesh *uint32) *TreeletData {
	data := &TreeletData{ID: tb.id}
	meshIndex := make(map[*SourceMesh]int)
	haveTransform := make(map[uint32]bool)
	haveMaterial := make(map[uint32]bool)

	for _, n := range tb.nodes {
		rec := NodeRecord{Min: n.bounds.Min, Max: n.bounds.Max, Axis: n.axis}
		if !n.leaf() {
			for k, c := range n.children {
				rec.Children[k] = ChildRef{Treelet: uint16(c.treelet), Node: c.local}
			}
			data.Nodes = append(data.Nodes, rec)
			continue
		}
		rec.Tag = LeafTag
		rec.PrimOffset = uint32(len(data.Primitives))
		rec.PrimCount = uint32(len(n.prims))
		for _, p := range n.prims {
			if p.instance >= 0 {
				inst := b.instances[p.instance]
				r := objectRoots[inst.object]
				tid := uint32(p.instance)
				if !haveTransform[tid] {
					haveTransform[tid] = true
					data.Transforms = append(data.Transforms, TransformRecord{ID: tid, M: inst.xf.M.Flatten()})
				}
				data.Primitives = append(data.Primitives, PrimitiveRecord{
					Kind:     PrimInstance,
					Instance: InstanceRef{Treelet: r.treelet, Node: r.local, Transform: tid},
				})
				continue
			}
			idx, ok := meshIndex[p.mesh]
			if !ok {
				idx = len(data.Meshes)
				meshIndex[p.mesh] = idx
				data.Meshes = append(data.Meshes, Mesh{ID: *nextMesh, Source: p.mesh.ID, Material: p.mesh.Material})
				*nextMesh++
				if m, ok := b.materials[p.mesh.Material]; ok && !haveMaterial[m.ID] {
					haveMaterial[m.ID] = true
					data.Materials = append(data.Materials, m)
				}
			}
			m := &data.Meshes[idx]
			base := uint32(len(m.P))
			src := p.mesh
			for k := 0; k < 3; k++ {
				m.P = append(m.P, src.P[src.Indices[3*p.face+uint32(k)]])
				m.Indices = append(m.Indices, base+uint32(k))
			}
			m.Faces = append(m.Faces, p.face)
			data.Primitives = append(data.Primitives, PrimitiveRecord{Kind: PrimTriangle, Mesh: m.ID, Face: uint32(len(m.Faces) - 1)})
		}
		data.Nodes = append(data.Nodes, rec)
	}
	return data
}

// ObjectWriter creates stored objects. *storage.SceneManager satisfies it.
type ObjectWriter interface {
	GetWriter(t storage.ObjectType, id uint64) *storage.Writer
}

// WriteScene stores each treelet as object T<id>.
func WriteScene(w ObjectWriter, treelets []*TreeletData) error {
	for _, t := range treelets {
		ow := w.GetWriter(storage.ObjectTreelet, uint64(t.ID))
		if err := WriteTreelet(ow, t); err != nil {
			return fmt.Errorf("writing treelet %d: %w", t.ID, err)
		}
		if err := ow.Close(); err != nil {
			return fmt.Errorf("writing treelet %d: %w", t.ID, err)
		}
	}
	logrus.Infof("wrote %d treelets", len(treelets))
	return nil
}

// FromTreelets returns a CloudBVH with every treelet already installed.
func FromTreelets(treelets []*TreeletData, opts ...Option) (*CloudBVH, error) {
	b := New(nil, opts...)
	for _, t := range treelets {
		if err := b.AddTreelet(t); err != nil {
			return nil, err
		}
	}
	return b, nil
}
