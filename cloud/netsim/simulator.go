// Package netsim replays a distributed render in simulated time to study
// how worker bandwidth, latency and treelet placement shape ray traffic.
//
// Every millisecond the simulator delivers and acknowledges ray messages
// whose latency has elapsed, moves bytes over the per-worker links, and then
// lets each worker trace its whole input queue. Rays that leave a worker's
// treelets are sent to a random owner of their next treelet.
package netsim

import (
	"errors"
	"fmt"
	"io"
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/treelet-sim/treelet-sim/cloud"
	"github.com/treelet-sim/treelet-sim/cloud/bvh"
	"github.com/treelet-sim/treelet-sim/cloud/render"
	"github.com/treelet-sim/treelet-sim/cloud/sched"
	"github.com/treelet-sim/treelet-sim/cloud/worker"
)

// DefaultMaxRays is the per-worker ray budget used for tile sizing and
// backpressure.
const DefaultMaxRays = 1_000_000

// ErrTimeLimit is returned when the render does not finish within MaxMS.
var ErrTimeLimit = errors.New("simulation time limit reached")

// Config describes the simulated cluster.
type Config struct {
	Workers     int    `yaml:"workers"`
	Bandwidth   uint64 `yaml:"worker_bandwidth"` // bytes per second, each direction
	LatencyMS   int64  `yaml:"worker_latency_ms"`
	MaxRays     int    `yaml:"max_rays"`
	MaxMS       int64  `yaml:"max_ms"` // 0 means no limit
	Seed        int64  `yaml:"seed"`
	MappingFile string `yaml:"mapping_file"` // empty means round-robin
}

// DefaultConfig returns a small cluster on a fast network.
func DefaultConfig() Config {
	return Config{
		Workers:   4,
		Bandwidth: 1_000_000_000,
		LatencyMS: 1,
		MaxRays:   DefaultMaxRays,
		MaxMS:     600_000,
		Seed:      1,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if c.Bandwidth < 1000 {
		return fmt.Errorf("worker_bandwidth must be >= 1000 bytes/s, got %d", c.Bandwidth)
	}
	if c.LatencyMS < 0 {
		return fmt.Errorf("worker_latency_ms must be >= 0, got %d", c.LatencyMS)
	}
	if c.MaxRays < 10 {
		return fmt.Errorf("max_rays must be >= 10, got %d", c.MaxRays)
	}
	if c.MaxMS < 0 {
		return fmt.Errorf("max_ms must be >= 0, got %d", c.MaxMS)
	}
	return nil
}

// rayMsg is one ray crossing the network.
type rayMsg struct {
	blob           []byte
	bytesRemaining uint64
	src, dst       int
}

type simWorker struct {
	id          int
	owns        map[cloud.TreeletID]bool
	inQueue     []*cloud.RayState
	inTransit   []*rayMsg // messages with bytes left to send
	outstanding int       // sent rays not yet acknowledged
}

func (w *simWorker) load() int { return len(w.inQueue) + w.outstanding }

// Simulator is a single-threaded discrete-time model of the cluster.
//
// Thread-safety: NOT thread-safe.
type Simulator struct {
	cfg     Config
	proc    *worker.Processor
	scene   *render.Scene
	tiles   *sched.TileManager
	rng     *rand.Rand
	film    *render.Film
	workers []*simWorker
	owners  map[cloud.TreeletID][]int

	events    EventQueue
	nextSeqID int64
	now       int64

	tick   TickStats
	series []TickStats
	totals Totals
}

// New builds a simulator over a fully loaded scene. mapping[i] lists the
// treelets worker i owns; every treelet must have at least one owner.
func New(cfg Config, g *bvh.CloudBVH, scene *render.Scene, mapping [][]cloud.TreeletID, treelets int) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(mapping) != cfg.Workers {
		return nil, fmt.Errorf("mapping lists %d workers, config has %d", len(mapping), cfg.Workers)
	}
	if err := g.Preload(); err != nil {
		return nil, fmt.Errorf("loading treelets: %w", err)
	}
	tiles, err := sched.NewTileManager(scene.Camera.SampleBounds(), int(scene.Sampler.SamplesPerPixel), cfg.Workers, cfg.MaxRays)
	if err != nil {
		return nil, err
	}

	s := &Simulator{
		cfg:    cfg,
		proc:   worker.NewProcessor(g, scene.Shader()),
		scene:  scene,
		tiles:  tiles,
		rng:    cloud.NewPartitionedRNG(cloud.RunKey(cfg.Seed)).ForSubsystem(cloud.SubsystemNetwork),
		film:   scene.Film(),
		owners: make(map[cloud.TreeletID][]int),
	}
	for i, owned := range mapping {
		w := &simWorker{id: i, owns: make(map[cloud.TreeletID]bool)}
		for _, t := range owned {
			if int(t) >= treelets {
				return nil, fmt.Errorf("worker %d: treelet %d out of range [0, %d)", i, t, treelets)
			}
			if !w.owns[t] {
				w.owns[t] = true
				s.owners[t] = append(s.owners[t], i)
			}
		}
		s.workers = append(s.workers, w)
	}
	for t := 0; t < treelets; t++ {
		if len(s.owners[cloud.TreeletID(t)]) == 0 {
			return nil, fmt.Errorf("treelet %d has no owner", t)
		}
	}
	return s, nil
}

// Film returns the image accumulated so far.
func (s *Simulator) Film() *render.Film { return s.film }

// Series returns the per-millisecond statistics recorded so far.
func (s *Simulator) Series() []TickStats { return s.series }

// Totals returns the run-wide counters.
func (s *Simulator) Totals() Totals { return s.totals }

// Run simulates until every camera ray has finished, writing one CSV row
// per millisecond to csv when it is not nil.
func (s *Simulator) Run(csv io.Writer) (Totals, error) {
	if csv != nil {
		if _, err := io.WriteString(csv, csvHeader+"\n"); err != nil {
			return s.totals, err
		}
	}
	for s.now = 0; ; s.now++ {
		if s.cfg.MaxMS > 0 && s.now >= s.cfg.MaxMS {
			return s.totals, fmt.Errorf("%w after %d ms", ErrTimeLimit, s.now)
		}
		s.tick = TickStats{MS: s.now}
		s.runDue()
		s.transmit()
		for _, w := range s.workers {
			if err := s.process(w); err != nil {
				return s.totals, err
			}
		}
		s.series = append(s.series, s.tick)
		if csv != nil {
			if err := s.tick.writeRow(csv, s.cfg.Workers, s.cfg.Bandwidth); err != nil {
				return s.totals, err
			}
		}
		if !s.busy() {
			break
		}
	}
	s.totals.Milliseconds = s.now + 1
	logrus.Infof("netsim: finished after %d ms, %d rays launched, %d transfers", s.totals.Milliseconds, s.totals.RaysLaunched, s.totals.RaysTransferred)
	return s.totals, nil
}

func (s *Simulator) busy() bool {
	if s.tiles.Remaining() || len(s.events) > 0 {
		return true
	}
	for _, w := range s.workers {
		if w.load() > 0 {
			return true
		}
	}
	return false
}

func (s *Simulator) latency() int64 { return s.cfg.LatencyMS }

// enqueueRay puts rs on the wire toward a random owner of its next treelet.
func (s *Simulator) enqueueRay(w *simWorker, rs *cloud.RayState) error {
	blob, err := rs.MarshalBinary()
	if err != nil {
		return err
	}
	owners := s.owners[rs.CurrentTreelet()]
	if len(owners) == 0 {
		return fmt.Errorf("ray %d: treelet %d has no owner", rs.PathID(), rs.CurrentTreelet())
	}
	msg := &rayMsg{
		blob:           blob,
		bytesRemaining: uint64(len(blob)),
		src:            w.id,
		dst:            owners[s.rng.Intn(len(owners))],
	}
	w.outstanding++
	w.inTransit = append(w.inTransit, msg)
	s.tick.RaysEnqueued++
	s.totals.BytesTransferred += uint64(len(blob))
	return nil
}

// transmit spends this millisecond's link budget. Workers take turns, one
// message each per round, until every sender has run out of messages or
// egress budget. A message only moves when its receiver is below twice the
// ray budget.
func (s *Simulator) transmit() {
	perMS := s.cfg.Bandwidth / 1000
	egress := make([]uint64, len(s.workers))
	ingress := make([]uint64, len(s.workers))
	for i := range s.workers {
		egress[i], ingress[i] = perMS, perMS
	}

	type cursor struct {
		w *simWorker
		i int
	}
	var active []cursor
	for _, w := range s.workers {
		s.tick.RaysInFlight += uint64(w.outstanding)
		if len(w.inTransit) > 0 {
			active = append(active, cursor{w: w})
		}
	}
	for len(active) > 0 {
		next := active[:0]
		for _, c := range active {
			msg := c.w.inTransit[c.i]
			if s.workers[msg.dst].load() < 2*s.cfg.MaxRays {
				n := min(msg.bytesRemaining, egress[msg.src], ingress[msg.dst])
				egress[msg.src] -= n
				ingress[msg.dst] -= n
				msg.bytesRemaining -= n
				s.tick.BytesTransferred += n
				if msg.bytesRemaining == 0 {
					s.schedule(&DeliveryEvent{time: s.now + s.latency(), msg: msg})
				}
			}
			c.i++
			if c.i < len(c.w.inTransit) && egress[c.w.id] > 0 {
				next = append(next, c)
			}
		}
		active = next
	}

	for _, w := range s.workers {
		kept := w.inTransit[:0]
		for _, msg := range w.inTransit {
			if msg.bytesRemaining > 0 {
				kept = append(kept, msg)
			}
		}
		clear(w.inTransit[len(kept):])
		w.inTransit = kept
	}
}

// process lets w start a camera tile when it is lightly loaded, then traces
// everything in its input queue.
func (s *Simulator) process(w *simWorker) error {
	if w.load() < s.cfg.MaxRays/10 && s.tiles.Remaining() {
		if err := s.generate(w); err != nil {
			return err
		}
	}
	for len(w.inQueue) > 0 {
		local := []*cloud.RayState{w.inQueue[0]}
		w.inQueue[0] = nil
		w.inQueue = w.inQueue[1:]

		for len(local) > 0 {
			rs := local[0]
			local = local[1:]
			if !w.owns[rs.CurrentTreelet()] {
				if err := s.enqueueRay(w, rs); err != nil {
					return err
				}
				continue
			}
			res, err := s.proc.Step(rs)
			if err != nil {
				return fmt.Errorf("worker %d: %w", w.id, err)
			}
			switch res.Op {
			case worker.OpTrace:
				s.tick.RaysCompleted += uint64(len(res.Samples))
				s.totals.RaysCompleted += uint64(len(res.Samples))
			case worker.OpShade:
				for _, r := range res.Requeue {
					s.totals.RaysLaunched++
					if r.IsShadow() {
						s.tick.ShadowRaysLaunched++
						s.totals.ShadowRaysLaunched++
					} else {
						s.tick.BounceRaysLaunched++
					}
				}
			}
			for _, smp := range res.Samples {
				s.film.AddSample(smp)
			}
			local = append(local, res.Requeue...)
		}
	}
	return nil
}

// generate puts every camera ray of the next tile on the wire.
func (s *Simulator) generate(w *simWorker) error {
	tile, ok := s.tiles.Next()
	if !ok {
		return nil
	}
	var err error
	n := render.GenerateCameraRays(s.scene.Camera, s.scene.Sampler, tile.Bounds, s.scene.MaxBounces,
		func(rs *cloud.RayState) {
			if err == nil {
				err = s.enqueueRay(w, rs)
			}
		})
	if err != nil {
		return err
	}
	s.tick.CameraRaysLaunched += uint64(n)
	s.totals.CameraRaysLaunched += uint64(n)
	s.totals.RaysLaunched += uint64(n)
	logrus.Debugf("netsim: %d ms: worker %d generated tile %d (%d rays)", s.now, w.id, tile.TileID, n)
	return nil
}
