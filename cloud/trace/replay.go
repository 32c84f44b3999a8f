package trace

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/treelet-sim/treelet-sim/cloud"
	"github.com/treelet-sim/treelet-sim/cloud/bvh"
	"github.com/treelet-sim/treelet-sim/cloud/render"
	"github.com/treelet-sim/treelet-sim/cloud/worker"
)

// Default repetition counts for timing one step. Shading is much more
// expensive than a single treelet traversal, so it is sampled less.
const (
	DefaultTraceRepeats = 1000
	DefaultShadeRepeats = 20
)

// ReplayConfig controls a replay. When Filter is set only paths with ids in
// [StartPath, EndPath] are replayed. A repeat count of 0 times the real step
// once instead.
type ReplayConfig struct {
	TraceRepeats int
	ShadeRepeats int
	Filter       bool
	StartPath    uint64 // inclusive
	EndPath      uint64 // inclusive
}

// DefaultReplayConfig times every step with the default repetition counts
// and keeps every path.
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{TraceRepeats: DefaultTraceRepeats, ShadeRepeats: DefaultShadeRepeats}
}

// Validate checks the configuration.
func (c ReplayConfig) Validate() error {
	if c.TraceRepeats < 0 || c.ShadeRepeats < 0 {
		return fmt.Errorf("repeat counts must be >= 0, got trace=%d shade=%d", c.TraceRepeats, c.ShadeRepeats)
	}
	if c.Filter && c.StartPath > c.EndPath {
		return fmt.Errorf("path range [%d, %d] is empty", c.StartPath, c.EndPath)
	}
	return nil
}

func (c ReplayConfig) keep(pathID uint64) bool {
	return !c.Filter || (c.StartPath <= pathID && pathID <= c.EndPath)
}

// Result is the output of a replay.
type Result struct {
	Trace      *PathTrace
	Samples    []cloud.Sample
	Steps      int
	NodeCounts []int // indexed by treelet id
}

// Replayer runs continuations to completion on one machine and records a
// timed task graph per path.
//
// Thread-safety: NOT thread-safe.
type Replayer struct {
	cfg    ReplayConfig
	g      *bvh.CloudBVH
	proc   *worker.Processor
	timing *worker.Processor // separate so proc's counters only see real steps
	now    func() time.Time
}

// NewReplayer returns a replayer over a scene whose treelets are all
// loadable.
func NewReplayer(cfg ReplayConfig, g *bvh.CloudBVH, shader *render.Shader) (*Replayer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Replayer{
		cfg:    cfg,
		g:      g,
		proc:   worker.NewProcessor(g, shader),
		timing: worker.NewProcessor(g, shader),
		now:    time.Now,
	}, nil
}

type pending struct {
	rs   *cloud.RayState
	prev int
}

// Replay loads every treelet, then runs rays breadth-first. Each step is
// timed by running it on repeated copies of the continuation and keeping
// the fastest run.
func (r *Replayer) Replay(treelets int, rays []*cloud.RayState) (*Result, error) {
	res := &Result{Trace: NewPathTrace(), NodeCounts: make([]int, treelets)}
	for i := 0; i < treelets; i++ {
		n, err := r.g.NodeCount(uint32(i))
		if err != nil {
			return nil, fmt.Errorf("loading treelet %d: %w", i, err)
		}
		res.NodeCounts[i] = n
	}

	queue := make([]pending, 0, len(rays))
	for _, rs := range rays {
		if !r.cfg.keep(rs.PathID()) {
			continue
		}
		res.Trace.AddPath(rs.PathID())
		queue = append(queue, pending{rs: rs, prev: -1})
	}
	logrus.Infof("replay: %d continuations loaded, %d treelets", len(queue), treelets)

	for len(queue) > 0 {
		p := queue[0]
		queue[0] = pending{}
		queue = queue[1:]

		pathID := p.rs.PathID()
		edge := Edge{
			NodeID:     res.Trace.NextNodeID(pathID),
			PrevNodeID: p.prev,
			Treelet:    p.rs.CurrentTreelet(),
		}
		repeats := r.cfg.ShadeRepeats
		edge.Task = TaskShade
		if !p.rs.ToVisitEmpty() {
			repeats = r.cfg.TraceRepeats
			edge.Task = TaskTrace
		}

		elapsed, err := r.time(p.rs, repeats)
		if err != nil {
			return nil, err
		}
		visited := r.g.NodesVisited()
		start := r.now()
		step, err := r.proc.Step(p.rs)
		if err != nil {
			return nil, err
		}
		if repeats == 0 {
			elapsed = r.now().Sub(start).Nanoseconds()
		}
		edge.ElapsedNS = elapsed
		edge.NodesVisited = r.g.NodesVisited() - visited
		res.Trace.Record(pathID, edge)
		res.Steps++

		res.Samples = append(res.Samples, step.Samples...)
		for _, next := range step.Requeue {
			queue = append(queue, pending{rs: next, prev: edge.NodeID})
		}
	}
	logrus.Infof("replay: %d steps, %d samples", res.Steps, len(res.Samples))
	return res, nil
}

// time runs one step on n copies of rs and returns the fastest run in
// nanoseconds, or 0 when n is 0.
func (r *Replayer) time(rs *cloud.RayState, n int) (int64, error) {
	best := int64(-1)
	for i := 0; i < n; i++ {
		c := rs.Clone()
		start := r.now()
		if _, err := r.timing.Step(c); err != nil {
			return 0, err
		}
		if d := r.now().Sub(start).Nanoseconds(); best < 0 || d < best {
			best = d
		}
	}
	return max(best, 0), nil
}
