package bvh

import (
	"errors"
	"fmt"
	"math"

	"github.com/treelet-sim/treelet-sim/cloud"
	"github.com/treelet-sim/treelet-sim/cloud/geom"
)

// ErrNestedInstance is returned when an instance is reached while the ray
// is already in instance space. The builder never produces such scenes.
var ErrNestedInstance = errors.New("nested instances are not supported")

func rayAccel(r geom.Ray) (geom.Vec, [3]bool) {
	return geom.Reciprocal(r.D), geom.DirIsNeg(geom.DirectionOctant(r.D))
}

// Trace advances rs through the treelet on top of its pending-visit stack.
// It stops when the stack is empty or its top belongs to another treelet,
// and reports whether the ray now needs a foreign treelet. The closest hit
// so far is kept in rs (Hit, HitNode, HitTransform, Ray.TMax). Shadow rays
// stop at their first hit.
//
// Only the current treelet is loaded; child treelets are never touched.
func (b *CloudBVH) Trace(rs *cloud.RayState) (bool, error) {
	if rs.ToVisitEmpty() {
		return false, nil
	}
	current := rs.ToVisitTop().Treelet
	t, err := b.load(current)
	if err != nil {
		return false, err
	}

	world := rs.Ray.Ray
	ray := world
	transformed := false
	invDir, dirIsNeg := rayAccel(ray)

traversal:
	for !rs.ToVisitEmpty() {
		top := rs.ToVisitTop()
		if top.Treelet != current {
			break
		}
		rs.ToVisitPop()

		if top.Transformed != transformed {
			transformed = top.Transformed
			if transformed {
				ray = rs.RayTransform.Inverse().Ray(world)
			} else {
				ray = world
			}
			invDir, dirIsNeg = rayAccel(ray)
		}
		ray.TMax = world.TMax

		if int(top.Node) >= len(t.Nodes) {
			return false, fmt.Errorf("%w: treelet %d has no node %d", ErrMalformedTreelet, current, top.Node)
		}
		node := &t.Nodes[top.Node]
		b.nodesVisited++
		if !node.Bounds.IntersectP(ray, invDir, dirIsNeg) {
			continue
		}

		if node.IsLeaf() {
			for i := uint32(top.Primitive); i < node.Prims.Count; i++ {
				prim := &t.Primitives[node.Prims.Offset+i]
				if prim.Kind == PrimInstance {
					if transformed {
						return false, fmt.Errorf("treelet %d node %d: %w", current, top.Node, ErrNestedInstance)
					}
					if i+1 < node.Prims.Count {
						rs.ToVisitPush(cloud.TreeletNode{Treelet: current, Node: top.Node, Primitive: uint8(i + 1)})
					}
					rs.ToVisitPush(cloud.TreeletNode{Treelet: prim.Instance.Treelet, Node: prim.Instance.Node, Transformed: true})
					rs.RayTransform = b.transforms[prim.Instance.Transform]
					continue traversal
				}
				tri, _ := b.triangle(prim)
				if tHit, _, _, ok := tri.Intersect(ray); ok {
					ray.TMax = tHit
					world.TMax = tHit
					rs.SetHit(cloud.TreeletNode{Treelet: current, Node: top.Node, Primitive: uint8(i), Transformed: transformed})
					if transformed {
						rs.HitTransform = rs.RayTransform
					} else {
						rs.HitTransform = geom.Identity()
					}
					if rs.IsShadowRay {
						break traversal
					}
				}
			}
			continue
		}

		near, far := node.Children[0], node.Children[1]
		if dirIsNeg[node.Axis] {
			near, far = far, near
		}
		rs.ToVisitPush(cloud.TreeletNode{Treelet: uint32(far.Treelet), Node: far.Node, Transformed: transformed})
		rs.ToVisitPush(cloud.TreeletNode{Treelet: uint32(near.Treelet), Node: near.Node, Transformed: transformed})
	}

	rs.Ray.TMax = world.TMax
	return !rs.ToVisitEmpty(), nil
}

// IntersectState recovers the surface interaction for the hit recorded in
// rs, in world space. It reports false when rs has no hit.
func (b *CloudBVH) IntersectState(rs *cloud.RayState) (geom.Interaction, bool, error) {
	if !rs.Hit {
		return geom.Interaction{}, false, nil
	}
	t, err := b.load(rs.HitNode.Treelet)
	if err != nil {
		return geom.Interaction{}, false, err
	}
	if int(rs.HitNode.Node) >= len(t.Nodes) {
		return geom.Interaction{}, false, fmt.Errorf("%w: treelet %d has no node %d", ErrMalformedTreelet, t.ID, rs.HitNode.Node)
	}
	node := &t.Nodes[rs.HitNode.Node]
	if !node.IsLeaf() || uint32(rs.HitNode.Primitive) >= node.Prims.Count {
		return geom.Interaction{}, false, fmt.Errorf("hit %s does not name a leaf primitive", rs.HitNode)
	}
	prim := &t.Primitives[node.Prims.Offset+uint32(rs.HitNode.Primitive)]
	if prim.Kind != PrimTriangle {
		return geom.Interaction{}, false, fmt.Errorf("hit %s names an instance, not a triangle", rs.HitNode)
	}

	ray := rs.Ray.Ray
	tHit := ray.TMax
	ray.TMax = math.Inf(1)
	if rs.HitNode.Transformed {
		ray = rs.HitTransform.Inverse().Ray(ray)
	}
	tri, mesh := b.triangle(prim)
	_, b1, b2, ok := tri.Intersect(ray)
	if !ok {
		b1, b2 = 1.0/3.0, 1.0/3.0
	}
	si := tri.Interaction(ray, tHit, b1, b2)
	si.Material = mesh.Material
	si.Mesh = mesh.Source
	si.Face = mesh.Faces[prim.Face]
	if rs.HitNode.Transformed {
		si = rs.HitTransform.Interaction(si)
	}
	return si, true, nil
}

type localEntry struct {
	treelet uint32
	node    uint32
}

// Intersect finds the closest hit of r against the whole structure. Every
// treelet reached must already be loaded.
func (b *CloudBVH) Intersect(r geom.Ray) (geom.Interaction, bool) {
	return b.intersectFrom(r, b.root, 0, false)
}

// IntersectP reports whether r hits anything. Every treelet reached must
// already be loaded.
func (b *CloudBVH) IntersectP(r geom.Ray) bool {
	_, hit := b.intersectFrom(r, b.root, 0, true)
	return hit
}

func (b *CloudBVH) intersectFrom(r geom.Ray, treelet, node uint32, anyHit bool) (geom.Interaction, bool) {
	var best geom.Interaction
	hit := false
	invDir, dirIsNeg := rayAccel(r)

	stack := make([]localEntry, 0, cloud.MaxVisitDepth)
	stack = append(stack, localEntry{treelet: treelet, node: node})
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		t := b.mustTreelet(e.treelet)
		n := &t.Nodes[e.node]
		b.nodesVisited++
		if !n.Bounds.IntersectP(r, invDir, dirIsNeg) {
			continue
		}
		if n.IsLeaf() {
			for i := uint32(0); i < n.Prims.Count; i++ {
				prim := &t.Primitives[n.Prims.Offset+i]
				if prim.Kind == PrimInstance {
					xf := b.transforms[prim.Instance.Transform]
					si, ok := b.intersectFrom(xf.Inverse().Ray(r), prim.Instance.Treelet, prim.Instance.Node, anyHit)
					if ok {
						hit = true
						best = xf.Interaction(si)
						r.TMax = si.T
					}
				} else {
					tri, mesh := b.triangle(prim)
					if tHit, b1, b2, ok := tri.Intersect(r); ok {
						hit = true
						best = tri.Interaction(r, tHit, b1, b2)
						best.Material = mesh.Material
						best.Mesh = mesh.Source
						best.Face = mesh.Faces[prim.Face]
						r.TMax = tHit
					}
				}
				if hit && anyHit {
					return best, true
				}
			}
			continue
		}
		near, far := n.Children[0], n.Children[1]
		if dirIsNeg[n.Axis] {
			near, far = far, near
		}
		stack = append(stack,
			localEntry{treelet: uint32(far.Treelet), node: far.Node},
			localEntry{treelet: uint32(near.Treelet), node: near.Node})
	}
	return best, hit
}
