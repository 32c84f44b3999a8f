package bvh

import (
	"fmt"

	"github.com/treelet-sim/treelet-sim/cloud/geom"
)

// NodeKind discriminates the two payload shapes of a Node.
type NodeKind uint8

const (
	NodeInterior NodeKind = iota
	NodeLeaf
)

// ChildRef locates a child node. When Treelet differs from the treelet that
// holds the parent, visiting the child is a boundary crossing.
type ChildRef struct {
	Treelet uint16
	Node    uint32
}

// PrimRange indexes a leaf's primitives in its treelet's primitive array.
type PrimRange struct {
	Offset, Count uint32
}

// Node is one BVH node. Children is meaningful only for NodeInterior and
// Prims only for NodeLeaf.
type Node struct {
	Bounds   geom.Bounds3
	Axis     uint8
	Kind     NodeKind
	Children [2]ChildRef
	Prims    PrimRange
}

// IsLeaf reports whether n is a leaf.
func (n *Node) IsLeaf() bool { return n.Kind == NodeLeaf }

// PrimitiveKind discriminates triangles from included instances.
type PrimitiveKind uint8

const (
	PrimTriangle PrimitiveKind = iota
	PrimInstance
)

// InstanceRef points at the root of a nested BVH and the transform that
// places it in the world. All three fields are indices, never pointers.
type InstanceRef struct {
	Treelet   uint32
	Node      uint32
	Transform uint32
}

// Primitive is a triangle (Mesh, Face) or an included instance.
type Primitive struct {
	Kind     PrimitiveKind
	Mesh     uint32
	Face     uint32
	Instance InstanceRef
}

// Material is the diffuse surface description shading needs.
type Material struct {
	ID          uint32
	Reflectance geom.Spectrum
	Emission    geom.Spectrum
}

// Mesh is an indexed triangle list embedded in a treelet. Source and Faces
// map each local triangle back to the mesh and face it was built from.
type Mesh struct {
	ID       uint32
	Source   uint32
	Material uint32
	P        []geom.Vec
	Indices  []uint32
	Faces    []uint32
}

// FaceCount returns the number of triangles.
func (m *Mesh) FaceCount() int { return len(m.Indices) / 3 }

// Triangle returns face f.
func (m *Mesh) Triangle(f uint32) geom.Triangle {
	i := 3 * f
	return geom.Triangle{P0: m.P[m.Indices[i]], P1: m.P[m.Indices[i+1]], P2: m.P[m.Indices[i+2]]}
}

// Treelet is a loaded, immutable partition.
type Treelet struct {
	ID         uint32
	Nodes      []Node
	Primitives []Primitive
}

// TreeletInfo lists a treelet's dependencies: the other treelets its
// interior nodes point into, and how many leaf references it holds to each
// instanced treelet.
type TreeletInfo struct {
	Children  []uint32
	Instances map[uint32]int
}

func (t *Treelet) String() string {
	return fmt.Sprintf("treelet %d (%d nodes, %d primitives)", t.ID, len(t.Nodes), len(t.Primitives))
}
