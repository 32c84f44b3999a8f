package cloud

import (
	"fmt"

	"github.com/treelet-sim/treelet-sim/cloud/geom"
)

// MaxVisitDepth is the fixed capacity of the pending-visit stack.
const MaxVisitDepth = 64

// DefaultRemainingBounces is the bounce budget of a fresh camera ray.
const DefaultRemainingBounces = 3

// SampleInfo identifies the camera sample a path belongs to.
type SampleInfo struct {
	ID     uint64      // path id, unique per camera sample
	PFilm  geom.Point2 // film position
	Weight float64     // camera weight
	Dim    int32       // next sampler dimension to consume
}

// RayState is a ray continuation: everything needed to resume traversal or
// shading of one ray on any worker.
//
// Hop and PathHop are instrumentation counters. They are copied through
// serialization but carry no traversal meaning.
type RayState struct {
	TrackRay bool
	Hop      uint16
	PathHop  uint16

	Sample SampleInfo
	Ray    geom.RayDifferential
	Beta   geom.Spectrum
	Ld     geom.Spectrum

	RemainingBounces uint8
	IsShadowRay      bool

	Hit          bool
	HitNode      TreeletNode
	HitTransform geom.Transform
	RayTransform geom.Transform

	toVisitHead uint8
	toVisit     [MaxVisitDepth]TreeletNode
}

// NewRayState returns a continuation with unit throughput, identity
// transforms and the default bounce budget.
func NewRayState() *RayState {
	return &RayState{
		Beta:             geom.NewSpectrum(1),
		RemainingBounces: DefaultRemainingBounces,
		HitTransform:     geom.Identity(),
		RayTransform:     geom.Identity(),
	}
}

// IsShadow reports whether this continuation is a shadow ray.
func (rs *RayState) IsShadow() bool { return rs.IsShadowRay }

// HasHit reports whether traversal recorded an intersection.
func (rs *RayState) HasHit() bool { return rs.Hit }

// PathID returns the id of the camera sample this ray descends from.
func (rs *RayState) PathID() uint64 { return rs.Sample.ID }

// ToVisitEmpty reports whether the pending-visit stack is empty.
func (rs *RayState) ToVisitEmpty() bool { return rs.toVisitHead == 0 }

// ToVisitLen returns the number of pending entries.
func (rs *RayState) ToVisitLen() int { return int(rs.toVisitHead) }

// ToVisitTop returns the next entry to visit. Panics on an empty stack.
func (rs *RayState) ToVisitTop() TreeletNode {
	if rs.toVisitHead == 0 {
		panic("ToVisitTop: stack is empty")
	}
	return rs.toVisit[rs.toVisitHead-1]
}

// ToVisitPush pushes an entry. Exceeding MaxVisitDepth is a traversal defect
// and panics.
func (rs *RayState) ToVisitPush(n TreeletNode) {
	if int(rs.toVisitHead) >= MaxVisitDepth {
		panic(fmt.Sprintf("ToVisitPush: pending-visit stack overflow (capacity %d) for path %d", MaxVisitDepth, rs.Sample.ID))
	}
	rs.toVisit[rs.toVisitHead] = n
	rs.toVisitHead++
}

// ToVisitPop drops the top entry. Panics on an empty stack.
func (rs *RayState) ToVisitPop() {
	if rs.toVisitHead == 0 {
		panic("ToVisitPop: stack is empty")
	}
	rs.toVisitHead--
	rs.toVisit[rs.toVisitHead] = TreeletNode{}
}

// ToVisit returns a copy of the pending entries, bottom first.
func (rs *RayState) ToVisit() []TreeletNode {
	out := make([]TreeletNode, rs.toVisitHead)
	copy(out, rs.toVisit[:rs.toVisitHead])
	return out
}

// SetHit records an intersection at node.
func (rs *RayState) SetHit(node TreeletNode) {
	rs.Hit = true
	rs.HitNode = node
}

// StartTrace resets traversal state and seeds the stack with the root node
// of the root treelet.
func (rs *RayState) StartTrace() {
	rs.Hit = false
	rs.HitNode = TreeletNode{}
	rs.HitTransform = geom.Identity()
	rs.RayTransform = geom.Identity()
	for rs.toVisitHead > 0 {
		rs.ToVisitPop()
	}
	rs.ToVisitPush(TreeletNode{Treelet: uint32(RootTreelet)})
}

// CurrentTreelet returns the treelet this continuation must be routed to:
// the top of the stack, or the hit treelet once the stack is exhausted.
func (rs *RayState) CurrentTreelet() TreeletID {
	if !rs.ToVisitEmpty() {
		return TreeletID(rs.ToVisitTop().Treelet)
	}
	if rs.Hit {
		return TreeletID(rs.HitNode.Treelet)
	}
	return RootTreelet
}

// SampleNum returns the index of this sample within its pixel.
func (rs *RayState) SampleNum(spp uint32) int64 {
	return sampleNum(rs.Sample.ID, spp)
}

// SamplePixel returns the pixel this sample belongs to, for a film whose
// sample bounds have the given width and height.
func (rs *RayState) SamplePixel(width, height int, spp uint32) (int, int) {
	return samplePixel(rs.Sample.ID, width, height, spp)
}

func sampleNum(id uint64, spp uint32) int64 {
	if spp == 0 {
		panic("SampleNum: spp must be positive")
	}
	return int64(id % uint64(spp))
}

func samplePixel(id uint64, width, height int, spp uint32) (int, int) {
	if spp == 0 || width <= 0 || height <= 0 {
		panic(fmt.Sprintf("SamplePixel: invalid extent %dx%d spp=%d", width, height, spp))
	}
	pixel := int(id / uint64(spp))
	return pixel % width, pixel / width
}

// Clone returns a deep copy. RayState holds no references, so a value copy
// suffices.
func (rs *RayState) Clone() *RayState {
	c := *rs
	return &c
}
