package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/treelet-sim/treelet-sim/cloud"
	"github.com/treelet-sim/treelet-sim/cloud/bvh"
	"github.com/treelet-sim/treelet-sim/cloud/render"
	"github.com/treelet-sim/treelet-sim/cloud/wire"
)

// DefaultMaxBagSize is the encoded size at which an outgoing bag is sent
// without waiting for the current work unit to finish.
const DefaultMaxBagSize = 1 << 20

// Config tunes a networked worker.
type Config struct {
	MaxBagSize    int           // bytes; 0 means DefaultMaxBagSize
	StatsInterval time.Duration // 0 disables periodic stats
}

// Worker owns a subset of treelets and processes the rays routed to them.
// Rays that leave its treelets are batched per destination treelet and sent
// back to the coordinator.
//
// Thread-safety: Run owns all state; the connection's read loop only
// forwards messages on a channel.
type Worker struct {
	cfg   Config
	conn  *wire.Conn
	bvh   *bvh.CloudBVH
	scene *render.Scene
	proc  *Processor

	id      uint64
	owned   map[cloud.TreeletID]bool
	queue   []*cloud.RayState
	out     map[cloud.TreeletID]*cloud.RayBag
	outSize map[cloud.TreeletID]int
	samples []cloud.Sample
	bagSeq  uint64
	stats   cloud.WorkerStats
}

// New returns a worker that talks to the coordinator over conn.
func New(conn *wire.Conn, g *bvh.CloudBVH, scene *render.Scene, cfg Config) *Worker {
	if cfg.MaxBagSize <= 0 {
		cfg.MaxBagSize = DefaultMaxBagSize
	}
	return &Worker{
		cfg:     cfg,
		conn:    conn,
		bvh:     g,
		scene:   scene,
		proc:    NewProcessor(g, scene.Shader()),
		owned:   make(map[cloud.TreeletID]bool),
		out:     make(map[cloud.TreeletID]*cloud.RayBag),
		outSize: make(map[cloud.TreeletID]int),
	}
}

// errFinished ends Run cleanly.
var errFinished = errors.New("finished")

// Run handshakes with the coordinator and serves it until FinishUp, a
// connection failure or ctx cancellation.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs := make(chan wire.Message, 64)
	readErr := make(chan error, 1)
	writeErr := make(chan error, 1)
	go func() {
		readErr <- w.conn.ReadLoop(ctx, func(m wire.Message) {
			select {
			case msgs <- m:
			case <-ctx.Done():
			}
		})
	}()
	go func() { writeErr <- w.conn.WriteLoop(ctx) }()

	if err := w.conn.Send(wire.OpHey, nil); err != nil {
		return err
	}

	var tick <-chan time.Time
	if w.cfg.StatsInterval > 0 {
		t := time.NewTicker(w.cfg.StatsInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if err == nil {
				return errors.New("coordinator closed the connection")
			}
			return err
		case err := <-writeErr:
			if err == nil {
				return nil
			}
			return err
		case <-tick:
			w.sendStats()
		case m := <-msgs:
			if err := w.handle(m); err != nil {
				if errors.Is(err, errFinished) {
					return w.waitFlushed(ctx, writeErr)
				}
				return err
			}
		}
	}
}

func (w *Worker) waitFlushed(ctx context.Context, writeErr <-chan error) error {
	select {
	case err := <-writeErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) handle(m wire.Message) error {
	switch m.OpCode {
	case wire.OpHey:
		var h cloud.Hello
		if err := cloud.DecodeControl(m.Payload, &h); err != nil {
			return err
		}
		w.id = h.WorkerID
		w.conn.SetSenderID(h.WorkerID)
		logrus.Infof("worker %d: connected", w.id)

	case wire.OpPing:
		return w.conn.Send(wire.OpPong, nil)

	case wire.OpGetObjects:
		var a cloud.ObjectAssignment
		if err := cloud.DecodeControl(m.Payload, &a); err != nil {
			return err
		}
		for _, t := range a.Treelets {
			if err := w.bvh.LoadTreelet(uint32(t)); err != nil {
				return fmt.Errorf("worker %d: %w", w.id, err)
			}
			w.owned[t] = true
		}
		logrus.Infof("worker %d: owns %d treelets", w.id, len(w.owned))

	case wire.OpGenerateRays:
		var tile cloud.TileAssignment
		if err := cloud.DecodeControl(m.Payload, &tile); err != nil {
			return err
		}
		n := render.GenerateCameraRays(w.scene.Camera, w.scene.Sampler, tile.Bounds, w.scene.MaxBounces,
			func(rs *cloud.RayState) { w.queue = append(w.queue, rs) })
		logrus.Debugf("worker %d: tile %d %s generated %d rays", w.id, tile.TileID, tile.Bounds, n)
		if err := w.drain(); err != nil {
			return err
		}
		return w.complete(cloud.Completion{Tiles: []int{tile.TileID}})

	case wire.OpProcessRayBag:
		bags, err := cloud.DecodeRayBags(m.Payload)
		if err != nil {
			return fmt.Errorf("worker %d: %w", w.id, err)
		}
		var done cloud.Completion
		for _, bag := range bags {
			w.enqueueBag(bag)
			done.Bags = append(done.Bags, bag.BagID)
		}
		w.stats.BagsDequeued += uint64(len(bags))
		if err := w.drain(); err != nil {
			return err
		}
		return w.complete(done)

	case wire.OpFinishUp:
		if err := w.flush(); err != nil {
			return err
		}
		w.sendStats()
		if err := w.conn.Send(wire.OpBye, nil); err != nil {
			return err
		}
		if err := w.conn.CloseAfterFlush(); err != nil {
			return err
		}
		logrus.Infof("worker %d: finished", w.id)
		return errFinished

	case wire.OpBye:
		return errFinished

	default:
		logrus.Warnf("worker %d: ignoring unexpected %s", w.id, m.OpCode)
	}
	return nil
}

func (w *Worker) enqueueBag(bag *cloud.RayBag) {
	for i, blob := range bag.Rays {
		rs := cloud.NewRayState()
		if err := rs.Deserialize(blob); err != nil {
			logrus.Warnf("worker %d: skipping ray %d of bag %d: %v", w.id, i, bag.BagID, err)
			continue
		}
		w.queue = append(w.queue, rs)
	}
}

// drain processes the local queue until every ray has finished or left for
// a treelet this worker does not own.
func (w *Worker) drain() error {
	for len(w.queue) > 0 {
		rs := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]

		t := rs.CurrentTreelet()
		if !w.owned[t] {
			if err := w.route(t, rs); err != nil {
				return err
			}
			continue
		}
		res, err := w.proc.Step(rs)
		if err != nil {
			return fmt.Errorf("worker %d: %w", w.id, err)
		}
		switch res.Op {
		case OpTrace:
			w.stats.RaysTraced++
		case OpShade:
			w.stats.RaysShaded++
		}
		w.samples = append(w.samples, res.Samples...)
		w.queue = append(w.queue, res.Requeue...)
	}
	return nil
}

func (w *Worker) route(t cloud.TreeletID, rs *cloud.RayState) error {
	bag, ok := w.out[t]
	if !ok {
		w.bagSeq++
		bag = cloud.NewRayBag(t, w.id<<32|w.bagSeq)
		w.out[t] = bag
		w.outSize[t] = 0
	}
	bag.Add(rs)
	w.outSize[t] += 4 + len(bag.Rays[len(bag.Rays)-1])
	if w.outSize[t] >= w.cfg.MaxBagSize {
		return w.sendBags([]*cloud.RayBag{w.takeBag(t)})
	}
	return nil
}

func (w *Worker) takeBag(t cloud.TreeletID) *cloud.RayBag {
	bag := w.out[t]
	delete(w.out, t)
	delete(w.outSize, t)
	return bag
}

func (w *Worker) sendBags(bags []*cloud.RayBag) error {
	if len(bags) == 0 {
		return nil
	}
	w.stats.BagsEnqueued += uint64(len(bags))
	return w.conn.Send(wire.OpRayBagEnqueued, cloud.EncodeRayBags(bags))
}

// flush sends every partial bag and all pending samples.
func (w *Worker) flush() error {
	var bags []*cloud.RayBag
	for t := range w.out {
		bags = append(bags, w.out[t])
	}
	sort.Slice(bags, func(i, j int) bool { return bags[i].TreeletID < bags[j].TreeletID })
	clear(w.out)
	clear(w.outSize)
	if err := w.sendBags(bags); err != nil {
		return err
	}
	if len(w.samples) > 0 {
		w.stats.SamplesEmitted += uint64(len(w.samples))
		if err := w.conn.Send(wire.OpFinishedRays, cloud.EncodeSamples(w.samples)); err != nil {
			return err
		}
		w.samples = w.samples[:0]
	}
	return nil
}

// complete flushes outputs before acknowledging, so the coordinator never
// sees a unit finish before the bags it produced.
func (w *Worker) complete(c cloud.Completion) error {
	if err := w.flush(); err != nil {
		return err
	}
	return w.conn.Send(wire.OpRayBagDequeued, cloud.EncodeControl(c))
}

func (w *Worker) sendStats() {
	if err := w.conn.Send(wire.OpWorkerStats, cloud.EncodeControl(w.stats)); err != nil {
		logrus.Debugf("worker %d: stats not sent: %v", w.id, err)
	}
}

// Stats returns the worker's counters.
func (w *Worker) Stats() cloud.WorkerStats { return w.stats }
