// Package bvh implements CloudBVH, a bounding-volume hierarchy split into
// independently loadable treelets, and the Builder that produces them.
//
// Treelets are read through a storage.SceneManager on first use and cached
// for the life of the CloudBVH. Nodes reference children by (treelet, node)
// pairs, and leaves may include nested instances by (treelet, node,
// transform) indices, so the structure holds no pointers between treelets.
//
// Thread-safety: NOT thread-safe. A CloudBVH belongs to one goroutine.
package bvh

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/treelet-sim/treelet-sim/cloud/geom"
	"github.com/treelet-sim/treelet-sim/cloud/storage"
)

// ObjectReader opens stored scene objects. *storage.SceneManager satisfies it.
type ObjectReader interface {
	GetReader(t storage.ObjectType, id uint64) (*storage.Reader, error)
}

// CloudBVH is a lazily loaded, treelet-partitioned BVH.
type CloudBVH struct {
	objects    ObjectReader
	root       uint32
	preloadAll bool
	preloaded  bool

	treelets map[uint32]*Treelet
	info     map[uint32]TreeletInfo

	// Side tables shared by all treelets, filled once per id.
	meshes     map[uint32]*Mesh
	transforms map[uint32]geom.Transform
	materials  map[uint32]Material

	nodesVisited uint64
}

// Option configures a CloudBVH.
type Option func(*CloudBVH)

// WithRoot sets the treelet holding the BVH root (default 0).
func WithRoot(id uint32) Option {
	return func(b *CloudBVH) { b.root = id }
}

// WithPreloadAll loads the root and everything reachable from it on first
// access instead of on demand.
func WithPreloadAll() Option {
	return func(b *CloudBVH) { b.preloadAll = true }
}

// New returns an empty CloudBVH reading from objects. objects may be nil
// when every treelet is installed with AddTreelet.
func New(objects ObjectReader, opts ...Option) *CloudBVH {
	b := &CloudBVH{
		objects:    objects,
		treelets:   make(map[uint32]*Treelet),
		info:       make(map[uint32]TreeletInfo),
		meshes:     make(map[uint32]*Mesh),
		transforms: make(map[uint32]geom.Transform),
		materials:  make(map[uint32]Material),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Root returns the root treelet id.
func (b *CloudBVH) Root() uint32 { return b.root }

// LoadTreelet makes treelet id resident.
func (b *CloudBVH) LoadTreelet(id uint32) error {
	_, err := b.load(id)
	return err
}

func (b *CloudBVH) load(id uint32) (*Treelet, error) {
	if t, ok := b.treelets[id]; ok {
		return t, nil
	}
	if b.preloadAll && !b.preloaded {
		b.preloaded = true
		if err := b.Preload(); err != nil {
			return nil, err
		}
		if t, ok := b.treelets[id]; ok {
			return t, nil
		}
	}
	if b.objects == nil {
		return nil, fmt.Errorf("loading treelet %d: no object storage configured", id)
	}
	r, err := b.objects.GetReader(storage.ObjectTreelet, uint64(id))
	if err != nil {
		return nil, fmt.Errorf("loading treelet %d: %w", id, err)
	}
	data, err := ReadTreelet(r)
	if err != nil {
		return nil, fmt.Errorf("loading treelet %d: %w", id, err)
	}
	if data.ID != id {
		return nil, fmt.Errorf("loading treelet %d: %w: object T%d holds treelet %d", id, ErrMalformedTreelet, id, data.ID)
	}
	if err := b.AddTreelet(data); err != nil {
		return nil, err
	}
	return b.treelets[id], nil
}

// Preload loads the root treelet and every treelet reachable from it
// through child links or instance references.
func (b *CloudBVH) Preload() error {
	queue := []uint32{b.root}
	seen := map[uint32]bool{b.root: true}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, err := b.load(id); err != nil {
			return err
		}
		info := b.info[id]
		next := append([]uint32(nil), info.Children...)
		for inst := range info.Instances {
			next = append(next, inst)
		}
		for _, n := range next {
			if !seen[n] {
				seen[n] = true
				queue = append(queue, n)
			}
		}
	}
	logrus.Debugf("preloaded %d treelets", len(b.treelets))
	return nil
}

// AddTreelet validates data and installs it. Nothing is cached when
// validation fails.
func (b *CloudBVH) AddTreelet(data *TreeletData) error {
	if _, ok := b.treelets[data.ID]; ok {
		return nil
	}
	t, info, staged, err := b.validate(data)
	if err != nil {
		return fmt.Errorf("treelet %d: %w", data.ID, err)
	}
	for id, m := range staged.meshes {
		if _, ok := b.meshes[id]; !ok {
			b.meshes[id] = m
		}
	}
	for id, xf := range staged.transforms {
		if _, ok := b.transforms[id]; !ok {
			b.transforms[id] = xf
		}
	}
	for id, m := range staged.materials {
		if _, ok := b.materials[id]; !ok {
			b.materials[id] = m
		}
	}
	b.treelets[data.ID] = t
	b.info[data.ID] = info
	logrus.Debugf("loaded %s", t)
	return nil
}

type sideTables struct {
	meshes     map[uint32]*Mesh
	transforms map[uint32]geom.Transform
	materials  map[uint32]Material
}

func (b *CloudBVH) validate(data *TreeletData) (*Treelet, TreeletInfo, sideTables, error) {
	staged := sideTables{
		meshes:     make(map[uint32]*Mesh),
		transforms: make(map[uint32]geom.Transform),
		materials:  make(map[uint32]Material),
	}
	fail := func(format string, args ...any) (*Treelet, TreeletInfo, sideTables, error) {
		return nil, TreeletInfo{}, staged, fmt.Errorf("%w: "+format, append([]any{ErrMalformedTreelet}, args...)...)
	}
	if len(data.Nodes) == 0 {
		return fail("no nodes")
	}

	for i := range data.Meshes {
		m := &data.Meshes[i]
		if len(m.Indices)%3 != 0 || len(m.Faces) != m.FaceCount() {
			return fail("mesh %d: %d indices for %d faces", m.ID, len(m.Indices), len(m.Faces))
		}
		for _, idx := range m.Indices {
			if int(idx) >= len(m.P) {
				return fail("mesh %d: index %d out of %d vertices", m.ID, idx, len(m.P))
			}
		}
		staged.meshes[m.ID] = m
	}
	for _, tr := range data.Transforms {
		xf, err := geom.NewTransform(geom.MatrixFromArray(tr.M))
		if err != nil {
			return fail("transform %d: %v", tr.ID, err)
		}
		staged.transforms[tr.ID] = xf
	}
	for _, m := range data.Materials {
		staged.materials[m.ID] = m
	}

	t := &Treelet{
		ID:         data.ID,
		Nodes:      make([]Node, len(data.Nodes)),
		Primitives: make([]Primitive, len(data.Primitives)),
	}
	info := TreeletInfo{Instances: make(map[uint32]int)}
	children := make(map[uint32]bool)

	for i, nr := range data.Nodes {
		if nr.Axis > 2 {
			return fail("node %d: axis %d", i, nr.Axis)
		}
		n := Node{Bounds: geom.Bounds3{Min: nr.Min, Max: nr.Max}, Axis: nr.Axis}
		if nr.Tag == LeafTag {
			if nr.Children != [2]ChildRef{} {
				return fail("node %d: leaf carries child references", i)
			}
			if nr.PrimCount == 0 || nr.PrimCount > MaxLeafPrimitives {
				return fail("node %d: leaf with %d primitives", i, nr.PrimCount)
			}
			if uint64(nr.PrimOffset)+uint64(nr.PrimCount) > uint64(len(data.Primitives)) {
				return fail("node %d: primitives [%d,+%d) out of %d", i, nr.PrimOffset, nr.PrimCount, len(data.Primitives))
			}
			n.Kind = NodeLeaf
			n.Prims = PrimRange{Offset: nr.PrimOffset, Count: nr.PrimCount}
		} else {
			if nr.PrimOffset != 0 || nr.PrimCount != 0 {
				return fail("node %d: interior node carries a primitive range", i)
			}
			for _, c := range nr.Children {
				if uint32(c.Treelet) == data.ID {
					if int(c.Node) >= len(data.Nodes) {
						return fail("node %d: child node %d out of range", i, c.Node)
					}
					// Children follow their parent in breadth-first order.
					if int(c.Node) <= i {
						return fail("node %d: child node %d does not follow its parent", i, c.Node)
					}
				} else {
					children[uint32(c.Treelet)] = true
				}
			}
			n.Kind = NodeInterior
			n.Children = nr.Children
		}
		t.Nodes[i] = n
	}

	for i, pr := range data.Primitives {
		switch pr.Kind {
		case PrimTriangle:
			m, ok := staged.meshes[pr.Mesh]
			if !ok {
				m, ok = b.meshes[pr.Mesh]
			}
			if !ok {
				return fail("primitive %d: unknown mesh %d", i, pr.Mesh)
			}
			if int(pr.Face) >= m.FaceCount() {
				return fail("primitive %d: face %d out of %d", i, pr.Face, m.FaceCount())
			}
		case PrimInstance:
			if _, ok := staged.transforms[pr.Instance.Transform]; !ok {
				if _, ok := b.transforms[pr.Instance.Transform]; !ok {
					return fail("primitive %d: unknown transform %d", i, pr.Instance.Transform)
				}
			}
			info.Instances[pr.Instance.Treelet]++
		default:
			return fail("primitive %d: unknown kind %d", i, pr.Kind)
		}
		t.Primitives[i] = Primitive(pr)
	}

	for c := range children {
		info.Children = append(info.Children, c)
	}
	sort.Slice(info.Children, func(i, j int) bool { return info.Children[i] < info.Children[j] })
	return t, info, staged, nil
}

// Loaded reports whether treelet id is resident.
func (b *CloudBVH) Loaded(id uint32) bool {
	_, ok := b.treelets[id]
	return ok
}

// LoadedTreelets returns the resident treelet ids in ascending order.
func (b *CloudBVH) LoadedTreelets() []uint32 {
	ids := make([]uint32, 0, len(b.treelets))
	for id := range b.treelets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Info loads treelet id if needed and returns its dependencies.
func (b *CloudBVH) Info(id uint32) (TreeletInfo, error) {
	if _, err := b.load(id); err != nil {
		return TreeletInfo{}, err
	}
	return b.info[id], nil
}

// NodeCount loads treelet id if needed and returns its node count.
func (b *CloudBVH) NodeCount(id uint32) (int, error) {
	t, err := b.load(id)
	if err != nil {
		return 0, err
	}
	return len(t.Nodes), nil
}

// Material returns the material with the given id.
func (b *CloudBVH) Material(id uint32) (Material, bool) {
	m, ok := b.materials[id]
	return m, ok
}

// NodesVisited returns the number of nodes tested by every traversal so far.
func (b *CloudBVH) NodesVisited() uint64 { return b.nodesVisited }

// mustTreelet returns a resident treelet for the pure-local intersect paths,
// where touching an unloaded treelet is a caller bug.
func (b *CloudBVH) mustTreelet(id uint32) *Treelet {
	t, ok := b.treelets[id]
	if !ok {
		panic(fmt.Sprintf("CloudBVH: treelet %d referenced but not loaded", id))
	}
	return t
}

func (b *CloudBVH) triangle(p *Primitive) (geom.Triangle, *Mesh) {
	m := b.meshes[p.Mesh]
	return m.Triangle(p.Face), m
}
