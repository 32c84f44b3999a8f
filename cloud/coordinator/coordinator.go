// Package coordinator runs the master side of a distributed render: it
// accepts worker connections, assigns treelets, routes ray bags through the
// scheduler and accumulates finished samples into the film.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/treelet-sim/treelet-sim/cloud"
	"github.com/treelet-sim/treelet-sim/cloud/render"
	"github.com/treelet-sim/treelet-sim/cloud/sched"
	"github.com/treelet-sim/treelet-sim/cloud/wire"
)

// Config describes one render.
type Config struct {
	Listen        string `yaml:"listen"`
	MetricsListen string `yaml:"metrics_listen"`

	// Workers is the number of workers that must join before any work is
	// scheduled. Tiles are sized for this many workers.
	Workers int `yaml:"workers"`

	// ReplicateRoot gives every worker the root treelet, so all of them can
	// generate camera rays.
	ReplicateRoot bool `yaml:"replicate_root"`

	Seed      int64        `yaml:"seed"`
	Scheduler sched.Config `yaml:"scheduler"`
}

// DefaultConfig returns a single-worker local render.
func DefaultConfig() Config {
	return Config{
		Listen:        "127.0.0.1:50000",
		Workers:       1,
		ReplicateRoot: true,
		Scheduler:     sched.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	return nil
}

// TreeletCounter reports how many treelets the scene has.
type TreeletCounter interface {
	TreeletCount() (int, error)
}

type workerConn struct {
	id       uint64
	conn     *wire.Conn
	treelets []cloud.TreeletID
	stats    cloud.WorkerStats
	said     bool // sent Bye
}

type event struct {
	conn   *wire.Conn
	msg    wire.Message
	closed bool
	err    error
}

// Coordinator owns the scheduler and the film. Run's goroutine is the only
// one touching them; connection goroutines only forward events.
type Coordinator struct {
	cfg      Config
	scene    *render.Scene
	treelets int
	film     *render.Film
	sched    *sched.Scheduler
	registry *prometheus.Registry
	ln       net.Listener

	events    chan event
	conns     map[*wire.Conn]*workerConn
	byID      map[uint64]*workerConn
	nextID    uint64
	finishing bool
}

// New prepares a render of scene whose geometry is split into the
// treelets counted by objects.
func New(cfg Config, scene *render.Scene, objects TreeletCounter) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n, err := objects.TreeletCount()
	if err != nil {
		return nil, fmt.Errorf("counting treelets: %w", err)
	}
	if n == 0 {
		return nil, errors.New("scene has no treelets")
	}
	tiles, err := sched.NewTileManager(scene.Camera.SampleBounds(), int(scene.Sampler.SamplesPerPixel),
		cfg.Workers, cfg.Scheduler.WorkerMaxActiveRays)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	c := &Coordinator{
		cfg:      cfg,
		scene:    scene,
		treelets: n,
		film:     scene.Film(),
		registry: reg,
		events:   make(chan event, 256),
		conns:    make(map[*wire.Conn]*workerConn),
		byID:     make(map[uint64]*workerConn),
	}
	c.sched, err = sched.New(cfg.Scheduler, tiles, cloud.NewPartitionedRNG(cloud.RunKey(cfg.Seed)), c, sched.NewMetrics(reg))
	if err != nil {
		return nil, err
	}
	logrus.Infof("coordinator: %d treelets, %d tiles of %dpx for %d workers",
		n, tiles.Count(), tiles.TileSize(), cfg.Workers)
	return c, nil
}

// Registry returns the Prometheus registry served on the metrics address.
func (c *Coordinator) Registry() *prometheus.Registry { return c.registry }

// Listen binds the worker port. Run calls it when it has not been called.
func (c *Coordinator) Listen() error {
	if c.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", c.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", c.cfg.Listen, err)
	}
	c.ln = ln
	return nil
}

// Addr returns the bound worker address, or nil before Listen.
func (c *Coordinator) Addr() net.Addr {
	if c.ln == nil {
		return nil
	}
	return c.ln.Addr()
}

// Run serves workers until every camera ray has been traced to completion
// and every worker has said goodbye, then returns the film.
func (c *Coordinator) Run(ctx context.Context) (*render.Film, error) {
	if err := c.Listen(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.ln.Close()

	if c.cfg.MetricsListen != "" {
		srv := c.serveMetrics()
		defer srv.Close()
	}
	go c.accept(ctx)

	start := time.Now()
	logrus.Infof("coordinator: waiting for %d workers on %s", c.cfg.Workers, c.ln.Addr())
	for {
		select {
		case <-ctx.Done():
			c.closeAll()
			return nil, ctx.Err()
		case ev := <-c.events:
			if err := c.handle(ev); err != nil {
				c.closeAll()
				return nil, err
			}
		}

		if c.finishing {
			if len(c.conns) == 0 {
				logrus.Infof("coordinator: render finished in %v, %d samples", time.Since(start).Round(time.Millisecond), c.film.Samples())
				c.logStats()
				return c.film, nil
			}
			continue
		}
		if int(c.nextID) < c.cfg.Workers {
			continue
		}
		c.sched.HandleQueuedRayBags()
		if c.sched.Done() {
			c.finishUp()
		}
	}
}

func (c *Coordinator) serveMetrics() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry}))
	srv := &http.Server{Addr: c.cfg.MetricsListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Warnf("coordinator: metrics server: %v", err)
		}
	}()
	return srv
}

func (c *Coordinator) accept(ctx context.Context) {
	for {
		nc, err := c.ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				logrus.Debugf("coordinator: accept stopped: %v", err)
			}
			return
		}
		conn := wire.NewConn(nc, 0)
		go func() { _ = conn.WriteLoop(ctx) }()
		go func() {
			err := conn.ReadLoop(ctx, func(m wire.Message) {
				select {
				case c.events <- event{conn: conn, msg: m}:
				case <-ctx.Done():
				}
			})
			select {
			case c.events <- event{conn: conn, closed: true, err: err}:
			case <-ctx.Done():
			}
		}()
	}
}

func (c *Coordinator) handle(ev event) error {
	if ev.closed {
		c.dropConn(ev.conn, ev.err)
		return nil
	}
	m := ev.msg
	if m.OpCode == wire.OpHey {
		return c.join(ev.conn)
	}
	w := c.conns[ev.conn]
	if w == nil {
		logrus.Warnf("coordinator: %s from %s before handshake", m.OpCode, ev.conn.RemoteAddr())
		return nil
	}

	switch m.OpCode {
	case wire.OpRayBagEnqueued:
		bags, err := cloud.DecodeRayBags(m.Payload)
		if err != nil {
			logrus.Warnf("coordinator: worker %d: dropping bag message: %v", w.id, err)
			return nil
		}
		for _, b := range bags {
			c.sched.EnqueueBag(b)
		}

	case wire.OpRayBagDequeued:
		var done cloud.Completion
		if err := cloud.DecodeControl(m.Payload, &done); err != nil {
			return fmt.Errorf("worker %d: %w", w.id, err)
		}
		c.sched.Acknowledge(w.id, done)

	case wire.OpFinishedRays:
		samples, err := cloud.DecodeSamples(m.Payload)
		if err != nil {
			logrus.Warnf("coordinator: worker %d: dropping samples: %v", w.id, err)
			return nil
		}
		for _, s := range samples {
			c.film.AddSample(s)
		}
		c.sched.Metrics().Samples.Add(float64(len(samples)))

	case wire.OpWorkerStats:
		if err := cloud.DecodeControl(m.Payload, &w.stats); err != nil {
			logrus.Warnf("coordinator: worker %d: %v", w.id, err)
		}

	case wire.OpPing:
		_ = w.conn.Send(wire.OpPong, nil)

	case wire.OpPong:

	case wire.OpBye:
		w.said = true
		_ = w.conn.CloseAfterFlush()

	default:
		logrus.Warnf("coordinator: worker %d: unexpected %s", w.id, m.OpCode)
	}
	return nil
}

// join registers a new worker and hands it its treelets. Worker k (0-based
// join order) owns treelets t with t mod Workers == k mod Workers.
func (c *Coordinator) join(conn *wire.Conn) error {
	if _, ok := c.conns[conn]; ok {
		logrus.Warnf("coordinator: duplicate handshake from %s", conn.RemoteAddr())
		return nil
	}
	if c.finishing {
		_ = conn.Close()
		return nil
	}
	c.nextID++
	id := c.nextID
	slot := int(id-1) % c.cfg.Workers
	var owned []cloud.TreeletID
	for t := 0; t < c.treelets; t++ {
		if t%c.cfg.Workers == slot || (t == int(cloud.RootTreelet) && c.cfg.ReplicateRoot) {
			owned = append(owned, cloud.TreeletID(t))
		}
	}
	w := &workerConn{id: id, conn: conn, treelets: owned}
	c.conns[conn] = w
	c.byID[id] = w
	if _, err := c.sched.AddWorker(id, owned); err != nil {
		return err
	}
	if err := conn.Send(wire.OpHey, cloud.EncodeControl(cloud.Hello{WorkerID: id})); err != nil {
		logrus.Warnf("coordinator: worker %d: handshake: %v", id, err)
		return nil
	}
	if err := conn.Send(wire.OpGetObjects, cloud.EncodeControl(cloud.ObjectAssignment{Treelets: owned})); err != nil {
		logrus.Warnf("coordinator: worker %d: assigning treelets: %v", id, err)
	}
	logrus.Infof("coordinator: worker %d joined from %s with %d treelets", id, conn.RemoteAddr(), len(owned))
	return nil
}

func (c *Coordinator) dropConn(conn *wire.Conn, err error) {
	w := c.conns[conn]
	delete(c.conns, conn)
	if w == nil {
		return
	}
	if !w.said && !c.finishing {
		logrus.Warnf("coordinator: worker %d disconnected: %v", w.id, err)
	}
	c.sched.TerminateWorker(w.id)
}

func (c *Coordinator) finishUp() {
	c.finishing = true
	logrus.Infof("coordinator: all rays finished, stopping %d workers", len(c.conns))
	for _, w := range c.conns {
		_ = w.conn.Send(wire.OpFinishUp, nil)
	}
}

func (c *Coordinator) closeAll() {
	for conn := range c.conns {
		_ = conn.Close()
	}
}

func (c *Coordinator) logStats() {
	ids := make([]uint64, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		s := c.byID[id].stats
		logrus.Infof("coordinator: worker %d traced %d shaded %d bags in %d out %d samples %d",
			id, s.RaysTraced, s.RaysShaded, s.BagsDequeued, s.BagsEnqueued, s.SamplesEmitted)
	}
}

// WorkerStats returns the last counters each worker reported, by worker id.
func (c *Coordinator) WorkerStats() map[uint64]cloud.WorkerStats {
	out := make(map[uint64]cloud.WorkerStats, len(c.byID))
	for id, w := range c.byID {
		out[id] = w.stats
	}
	return out
}

// SendRayBags implements sched.Sender.
func (c *Coordinator) SendRayBags(workerID uint64, bags []*cloud.RayBag) {
	w := c.byID[workerID]
	if err := w.conn.Send(wire.OpProcessRayBag, cloud.EncodeRayBags(bags)); err != nil {
		logrus.Warnf("coordinator: worker %d: sending %d bags: %v", workerID, len(bags), err)
	}
}

// SendTile implements sched.Sender.
func (c *Coordinator) SendTile(workerID uint64, tile cloud.TileAssignment) {
	w := c.byID[workerID]
	if err := w.conn.Send(wire.OpGenerateRays, cloud.EncodeControl(tile)); err != nil {
		logrus.Warnf("coordinator: worker %d: sending tile %d: %v", workerID, tile.TileID, err)
	}
}
