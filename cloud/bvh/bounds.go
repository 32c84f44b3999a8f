package bvh

import "github.com/treelet-sim/treelet-sim/cloud/geom"

// defaultBoundsDepth is how many levels below a treelet root the bounds
// queries descend.
const defaultBoundsDepth = 4

// WorldBound returns the bounds of the root node of the root treelet.
func (b *CloudBVH) WorldBound() (geom.Bounds3, error) {
	t, err := b.load(b.root)
	if err != nil {
		return geom.Bounds3{}, err
	}
	return t.Nodes[0].Bounds, nil
}

// TreeletNodeBounds returns the bounds of the nodes of treelet id that lie
// within depth levels of its root, staying inside the treelet.
func (b *CloudBVH) TreeletNodeBounds(id uint32, depth int) ([]geom.Bounds3, error) {
	t, err := b.load(id)
	if err != nil {
		return nil, err
	}
	var out []geom.Bounds3
	var walk func(idx uint32, level int)
	walk = func(idx uint32, level int) {
		n := &t.Nodes[idx]
		out = append(out, n.Bounds)
		if level >= depth || n.IsLeaf() {
			return
		}
		for _, c := range n.Children {
			if uint32(c.Treelet) == id {
				walk(c.Node, level+1)
			}
		}
	}
	walk(0, 0)
	return out, nil
}

// RootSurfaceAreas sums the surface areas of the upper nodes of the root
// treelet after applying txfm. It measures how much of the scene's surface
// area the root treelet's top levels cover.
func (b *CloudBVH) RootSurfaceAreas(txfm geom.Transform) (float64, error) {
	bounds, err := b.TreeletNodeBounds(b.root, defaultBoundsDepth)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, bb := range bounds {
		total += txfm.Bounds(bb).SurfaceArea()
	}
	return total, nil
}

// SurfaceAreaUnion returns the surface area of the box enclosing the root
// nodes of every loaded treelet.
func (b *CloudBVH) SurfaceAreaUnion() float64 {
	u := geom.EmptyBounds()
	for _, id := range b.LoadedTreelets() {
		u = u.Union(b.treelets[id].Nodes[0].Bounds)
	}
	return u.SurfaceArea()
}
