package cloud

import "fmt"

// TreeletID identifies one independently loadable partition of the BVH.
// IDs are dense and assigned when the scene is built; the root treelet is 0.
type TreeletID uint32

// RootTreelet is the treelet holding the top of the scene BVH.
const RootTreelet TreeletID = 0

// TreeletNode is one pending-visit entry: a node inside a treelet, the first
// primitive of that node still to test, and whether the ray must be in the
// instance space recorded by RayState.RayTransform while visiting it.
type TreeletNode struct {
	Treelet     uint32
	Node        uint32
	Primitive   uint8
	Transformed bool
}

func (n TreeletNode) String() string {
	return fmt.Sprintf("T%d/N%d/P%d/x%t", n.Treelet, n.Node, n.Primitive, n.Transformed)
}
