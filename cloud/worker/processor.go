// Package worker runs ray continuations: the per-ray trace/shade state
// machine (Processor) and the networked worker that owns a set of treelets
// and exchanges ray bags with the coordinator (Worker).
package worker

import (
	"errors"
	"fmt"

	"github.com/treelet-sim/treelet-sim/cloud"
	"github.com/treelet-sim/treelet-sim/cloud/geom"
	"github.com/treelet-sim/treelet-sim/cloud/render"
)

// ErrInvalidContinuation marks a continuation with an empty stack and no
// hit. Such a ray can never make progress and indicates a bug upstream.
var ErrInvalidContinuation = errors.New("continuation has an empty stack and no hit")

// Op is the kind of work one Step performed. The values match the task
// types written to per-path trace logs.
type Op uint8

const (
	OpNone  Op = 0
	OpTrace Op = 1
	OpShade Op = 2
)

func (o Op) String() string {
	switch o {
	case OpTrace:
		return "trace"
	case OpShade:
		return "shade"
	default:
		return "none"
	}
}

// Scene is the geometry a Processor works against. *bvh.CloudBVH
// satisfies it.
type Scene interface {
	Trace(rs *cloud.RayState) (bool, error)
	render.Geometry
}

// Result is the outcome of one Step. Requeue holds continuations that need
// more work, in order; Samples holds finished contributions. Foreign is set
// when the traced ray stopped at a treelet boundary.
type Result struct {
	Op      Op
	Foreign bool
	Requeue []*cloud.RayState
	Samples []cloud.Sample
}

// Processor advances continuations one step at a time.
//
// Thread-safety: NOT thread-safe.
type Processor struct {
	Scene  Scene
	Shader *render.Shader

	traced, shaded uint64
}

// NewProcessor returns a processor over scene.
func NewProcessor(scene Scene, shader *render.Shader) *Processor {
	return &Processor{Scene: scene, Shader: shader}
}

// Step runs one transition for rs. A non-empty stack means trace; an empty
// stack with a hit means shade. rs is consumed: it may come back in Requeue
// or be folded into a Sample.
func (p *Processor) Step(rs *cloud.RayState) (Result, error) {
	if !rs.ToVisitEmpty() {
		return p.trace(rs)
	}
	if rs.HasHit() {
		return p.shade(rs)
	}
	return Result{}, fmt.Errorf("path %d: %w", rs.PathID(), ErrInvalidContinuation)
}

func (p *Processor) trace(rs *cloud.RayState) (Result, error) {
	res := Result{Op: OpTrace}
	foreign, err := p.Scene.Trace(rs)
	if err != nil {
		return res, fmt.Errorf("tracing path %d: %w", rs.PathID(), err)
	}
	p.traced++
	rs.Hop++

	hit, empty := rs.HasHit(), rs.ToVisitEmpty()
	switch {
	case rs.IsShadow() && (hit || empty):
		// Occluded shadow rays contribute nothing.
		if hit {
			rs.Ld = geom.Spectrum{}
		}
		res.Samples = append(res.Samples, cloud.NewSample(rs))
	case rs.IsShadow():
		res.Foreign = foreign
		res.Requeue = append(res.Requeue, rs)
	case !empty || hit:
		res.Foreign = foreign
		res.Requeue = append(res.Requeue, rs)
	default:
		// Escaped the scene.
		rs.Ld = geom.Spectrum{}
		res.Samples = append(res.Samples, cloud.NewSample(rs))
	}
	return res, nil
}

func (p *Processor) shade(rs *cloud.RayState) (Result, error) {
	res := Result{Op: OpShade}
	out, err := p.Shader.Shade(p.Scene, rs)
	if err != nil {
		return res, err
	}
	p.shaded++
	if !out.Emitted.IsBlack() {
		s := cloud.NewSample(rs)
		s.L = out.Emitted
		res.Samples = append(res.Samples, s)
	}
	if out.Bounce != nil {
		res.Requeue = append(res.Requeue, out.Bounce)
	}
	if out.Shadow != nil {
		res.Requeue = append(res.Requeue, out.Shadow)
	}
	return res, nil
}

// Counts returns how many trace and shade steps have completed.
func (p *Processor) Counts() (traced, shaded uint64) { return p.traced, p.shaded }

// RunLocal drives every continuation in rays to completion on one machine
// and returns the samples produced. All treelets must be loadable by the
// scene.
func (p *Processor) RunLocal(rays []*cloud.RayState) ([]cloud.Sample, error) {
	var samples []cloud.Sample
	queue := append([]*cloud.RayState(nil), rays...)
	for len(queue) > 0 {
		rs := queue[0]
		queue = queue[1:]
		res, err := p.Step(rs)
		if err != nil {
			return samples, err
		}
		samples = append(samples, res.Samples...)
		queue = append(queue, res.Requeue...)
	}
	return samples, nil
}
