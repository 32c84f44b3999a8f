// Package sched decides which worker traces which ray bag.
//
// The coordinator feeds the scheduler bags produced by workers (EnqueueBag)
// and completions (Acknowledge), then runs HandleQueuedRayBags to hand
// queued bags and camera tiles to free workers. Every dispatched item is
// counted against the receiving worker's active-ray cap until its completion
// arrives, which is the only backpressure in the system.
package sched

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/treelet-sim/treelet-sim/cloud"
)

// DefaultWorkerMaxActiveRays is the default per-worker cap on unacknowledged
// rays.
const DefaultWorkerMaxActiveRays = 100_000

// ErrDuplicateWorker is returned when a worker id is registered twice.
var ErrDuplicateWorker = errors.New("duplicate worker")

// Config holds the scheduling policy knobs.
type Config struct {
	// WorkerMaxActiveRays caps the rays a worker may hold unacknowledged.
	WorkerMaxActiveRays int `yaml:"worker_max_active_rays"`

	// CameraRayProbability is the chance of generating a camera tile instead
	// of draining queued bags when a worker could do either. Zero always
	// drains queued work first.
	CameraRayProbability float64 `yaml:"camera_ray_probability"`
}

// DefaultConfig returns the baseline policy.
func DefaultConfig() Config {
	return Config{WorkerMaxActiveRays: DefaultWorkerMaxActiveRays}
}

// Validate checks the policy for internal consistency.
func (c Config) Validate() error {
	if c.WorkerMaxActiveRays < 1 {
		return fmt.Errorf("worker_max_active_rays must be >= 1, got %d", c.WorkerMaxActiveRays)
	}
	if c.CameraRayProbability < 0 || c.CameraRayProbability > 1 {
		return fmt.Errorf("camera_ray_probability must be in [0, 1], got %g", c.CameraRayProbability)
	}
	return nil
}

// Sender delivers scheduling decisions to workers. Implementations must not
// call back into the Scheduler.
type Sender interface {
	SendRayBags(workerID uint64, bags []*cloud.RayBag)
	SendTile(workerID uint64, tile cloud.TileAssignment)
}

// Scheduler owns the per-treelet bag queues and the worker roster.
//
// A bag lives in exactly one place at a time: the queued FIFO of its
// treelet until dispatched, then the pending FIFO of its treelet until the
// worker acknowledges it. Within a treelet, pending bags are older than
// queued ones.
//
// Thread-safety: NOT thread-safe. The coordinator drives it from its event
// loop goroutine.
type Scheduler struct {
	cfg     Config
	sender  Sender
	rng     *rand.Rand
	tiles   *TileManager
	metrics *Metrics

	queued  map[cloud.TreeletID]*BagQueue // non-empty queues only
	pending map[cloud.TreeletID]*BagQueue // non-empty queues only

	workers   map[uint64]*Worker
	owners    map[cloud.TreeletID]int // active workers per treelet
	free      []uint64
	nextBagID uint64
}

// New returns a scheduler. tiles may be nil when no camera rays are to be
// generated. metrics may be nil, in which case a private registry is used.
func New(cfg Config, tiles *TileManager, rng *cloud.PartitionedRNG, sender Sender, metrics *Metrics) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rng == nil || sender == nil {
		panic("sched.New: rng and sender must not be nil")
	}
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}
	return &Scheduler{
		cfg:     cfg,
		sender:  sender,
		rng:     rng.ForSubsystem(cloud.SubsystemScheduler),
		tiles:   tiles,
		metrics: metrics,
		queued:  make(map[cloud.TreeletID]*BagQueue),
		pending: make(map[cloud.TreeletID]*BagQueue),
		workers: make(map[uint64]*Worker),
		owners:  make(map[cloud.TreeletID]int),
	}, nil
}

// Metrics returns the scheduler's instruments.
func (s *Scheduler) Metrics() *Metrics { return s.metrics }

// Worker returns the roster entry for id, or nil.
func (s *Scheduler) Worker(id uint64) *Worker { return s.workers[id] }

// FreeWorkers returns the free roster in its current order.
func (s *Scheduler) FreeWorkers() []uint64 { return slices.Clone(s.free) }

// Queued returns the bags waiting for treelet t, front first.
func (s *Scheduler) Queued(t cloud.TreeletID) []*cloud.RayBag {
	return slices.Clone(s.queued[t].Items())
}

// Pending returns the bags of treelet t sent and not yet acknowledged,
// oldest first.
func (s *Scheduler) Pending(t cloud.TreeletID) []*cloud.RayBag {
	return slices.Clone(s.pending[t].Items())
}

// AddWorker registers an active worker owning treelets and puts it on the
// free roster.
func (s *Scheduler) AddWorker(id uint64, treelets []cloud.TreeletID) (*Worker, error) {
	if _, ok := s.workers[id]; ok {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateWorker, id)
	}
	w := newWorker(id, treelets)
	s.workers[id] = w
	for _, t := range w.Treelets {
		s.owners[t]++
	}
	s.MarkFree(id)
	logrus.Debugf("sched: added %v", w)
	return w, nil
}

// MarkFree puts an active worker on the free roster if it is not there yet.
func (s *Scheduler) MarkFree(id uint64) {
	w := s.workers[id]
	if w == nil || w.State != WorkerActive || slices.Contains(s.free, id) {
		return
	}
	s.free = append(s.free, id)
	s.metrics.FreeWorkers.Set(float64(len(s.free)))
}

// EnqueueBag queues a bag produced by a worker. The scheduler assigns the
// bag id; a bag holding more rays than a worker may take at once is split.
// Empty bags are dropped.
func (s *Scheduler) EnqueueBag(bag *cloud.RayBag) {
	if bag == nil {
		panic("EnqueueBag: bag must not be nil")
	}
	if bag.Len() == 0 {
		logrus.Warnf("sched: dropping empty bag %d for treelet %d", bag.BagID, bag.TreeletID)
		return
	}
	limit := s.cfg.WorkerMaxActiveRays
	for start := 0; start < bag.Len(); start += limit {
		end := min(start+limit, bag.Len())
		s.nextBagID++
		part := &cloud.RayBag{
			TreeletID: bag.TreeletID,
			BagID:     s.nextBagID,
			Tracked:   bag.Tracked,
			Rays:      bag.Rays[start:end:end],
		}
		s.queue(s.queued, bag.TreeletID).Enqueue(part)
		s.metrics.BagsEnqueued.Inc()
	}
	s.updateGauges()
}

// AssignWork gives worker id as much work as fits under its active-ray cap.
// While capacity remains it either hands out a camera tile (only to owners
// of the root treelet) or dispatches the front bag of the first owned
// treelet with queued work; when both are possible the camera-ray coin
// decides. An item that does not fit ends the loop. Dispatched bags go out
// in one SendRayBags call. Returns whether the worker still has spare
// capacity.
func (s *Scheduler) AssignWork(id uint64) bool {
	w := s.workers[id]
	limit := s.cfg.WorkerMaxActiveRays
	if w == nil || w.State != WorkerActive || w.ActiveRays >= limit || len(w.Treelets) == 0 {
		return false
	}

	var bags []*cloud.RayBag
	for w.ActiveRays < limit {
		tile := -1
		if s.tiles != nil && w.Owns(cloud.RootTreelet) {
			tile = s.tiles.Peek()
		}
		treelet, haveQueued := s.firstQueued(w)
		if tile < 0 && !haveQueued {
			break
		}
		if tile >= 0 && (!haveQueued || s.rng.Float64() < s.cfg.CameraRayProbability) {
			if !s.assignTile(w, tile) {
				break
			}
			continue
		}
		bag := s.queued[treelet].Peek()
		if w.ActiveRays+bag.Len() > limit {
			break
		}
		s.dequeue(s.queued, treelet)
		s.queue(s.pending, treelet).Enqueue(bag)
		w.bags[bag.BagID] = assignedBag{treelet: treelet, rays: bag.Len()}
		w.ActiveRays += bag.Len()
		bags = append(bags, bag)
		s.metrics.BagsAssigned.Inc()
		s.metrics.RaysAssigned.Add(float64(bag.Len()))
	}

	if len(bags) > 0 {
		s.sender.SendRayBags(w.ID, bags)
	}
	s.metrics.ActiveRays.WithLabelValues(strconv.FormatUint(w.ID, 10)).Set(float64(w.ActiveRays))
	s.updateGauges()
	return w.ActiveRays < limit
}

func (s *Scheduler) assignTile(w *Worker, id int) bool {
	rays := s.tiles.Rays(id)
	if w.ActiveRays+rays > s.cfg.WorkerMaxActiveRays {
		return false
	}
	tile, _ := s.tiles.Next()
	w.tiles[tile.TileID] = rays
	w.ActiveRays += rays
	s.metrics.TilesAssigned.Inc()
	s.metrics.RaysAssigned.Add(float64(rays))
	s.sender.SendTile(w.ID, tile)
	return true
}

// HandleQueuedRayBags is the periodic scheduling pass: it shuffles the free
// roster, then offers work to each free worker once, dropping workers that
// report no spare capacity. It stops early when no work remains.
func (s *Scheduler) HandleQueuedRayBags() {
	s.rng.Shuffle(len(s.free), func(i, j int) { s.free[i], s.free[j] = s.free[j], s.free[i] })
	for i := 0; i < len(s.free) && s.hasWork(); {
		if s.AssignWork(s.free[i]) {
			i++
		} else {
			s.free = append(s.free[:i], s.free[i+1:]...)
		}
	}
	s.metrics.FreeWorkers.Set(float64(len(s.free)))
}

// Acknowledge records that a worker finished the bags and tiles listed in c.
// The bags leave the pending queue and their rays stop counting against the
// worker. A worker with spare capacity rejoins the free roster.
func (s *Scheduler) Acknowledge(workerID uint64, c cloud.Completion) {
	w := s.workers[workerID]
	if w == nil || w.State != WorkerActive {
		logrus.Warnf("sched: completion from unknown or terminated worker %d", workerID)
		return
	}
	for _, id := range c.Bags {
		a, ok := w.bags[id]
		if !ok {
			logrus.Warnf("sched: worker %d acknowledged unassigned bag %d", workerID, id)
			continue
		}
		delete(w.bags, id)
		if s.pending[a.treelet].Remove(id) == nil {
			panic(fmt.Sprintf("Acknowledge: bag %d assigned to worker %d missing from pending treelet %d", id, workerID, a.treelet))
		}
		if s.pending[a.treelet].Len() == 0 {
			delete(s.pending, a.treelet)
		}
		w.ActiveRays -= a.rays
		s.metrics.BagsAcked.Inc()
	}
	for _, id := range c.Tiles {
		rays, ok := w.tiles[id]
		if !ok {
			logrus.Warnf("sched: worker %d acknowledged unassigned tile %d", workerID, id)
			continue
		}
		delete(w.tiles, id)
		w.ActiveRays -= rays
	}
	if w.ActiveRays < 0 {
		panic(fmt.Sprintf("Acknowledge: worker %d active rays went negative (%d)", workerID, w.ActiveRays))
	}
	s.metrics.ActiveRays.WithLabelValues(strconv.FormatUint(w.ID, 10)).Set(float64(w.ActiveRays))
	if w.ActiveRays < s.cfg.WorkerMaxActiveRays {
		s.MarkFree(workerID)
	}
	s.updateGauges()
}

// TerminateWorker removes a worker and reclaims its unacknowledged work.
// Treelets left without an active owner get their whole pending queue
// moved back to queued, to be served by the next owner. For treelets other
// workers still own, only this worker's bags are requeued, at the front.
// Its camera tiles are handed out again.
func (s *Scheduler) TerminateWorker(id uint64) {
	w := s.workers[id]
	if w == nil || w.State == WorkerTerminated {
		return
	}
	w.State = WorkerTerminated
	nBags, nTiles := len(w.bags), len(w.tiles)
	if i := slices.Index(s.free, id); i >= 0 {
		s.free = append(s.free[:i], s.free[i+1:]...)
	}
	for _, t := range w.Treelets {
		s.owners[t]--
	}
	for _, t := range w.Treelets {
		if s.owners[t] == 0 {
			delete(s.owners, t)
			s.MoveFromPendingToQueued(t)
			continue
		}
		mine := s.pending[t].Take(func(b *cloud.RayBag) bool {
			_, ok := w.bags[b.BagID]
			return ok
		})
		if len(mine) > 0 {
			s.queue(s.queued, t).PrependFront(mine...)
		}
		if s.pending[t].Len() == 0 {
			delete(s.pending, t)
		}
	}
	for _, tile := range w.AssignedTiles() {
		s.tiles.Return(tile)
	}
	logrus.Infof("sched: terminated worker %d, reclaimed %d bags and %d tiles", id, nBags, nTiles)
	clear(w.bags)
	clear(w.tiles)
	w.ActiveRays = 0
	s.metrics.ActiveRays.DeleteLabelValues(strconv.FormatUint(w.ID, 10))
	s.metrics.FreeWorkers.Set(float64(len(s.free)))
	s.updateGauges()
}

// MoveFromPendingToQueued splices every pending bag of treelet t back in
// front of its queued bags. Relative order is preserved.
func (s *Scheduler) MoveFromPendingToQueued(t cloud.TreeletID) {
	src := s.pending[t]
	if src.Len() == 0 {
		return
	}
	for _, b := range src.Items() {
		for _, w := range s.workers {
			if a, ok := w.bags[b.BagID]; ok {
				delete(w.bags, b.BagID)
				w.ActiveRays -= a.rays
				s.MarkFree(w.ID)
			}
		}
	}
	spliceFront(s.queue(s.queued, t), src)
	delete(s.pending, t)
	s.updateGauges()
}

// MoveFromQueuedToPending splices every queued bag of treelet t behind its
// pending bags, parking them until MoveFromPendingToQueued. Relative order
// is preserved.
func (s *Scheduler) MoveFromQueuedToPending(t cloud.TreeletID) {
	src := s.queued[t]
	if src.Len() == 0 {
		return
	}
	spliceBack(s.queue(s.pending, t), src)
	delete(s.queued, t)
	s.updateGauges()
}

// Done reports whether every camera tile has been handed out and every
// dispatched item acknowledged.
func (s *Scheduler) Done() bool {
	if s.tiles != nil && s.tiles.Remaining() {
		return false
	}
	if len(s.queued) > 0 || len(s.pending) > 0 {
		return false
	}
	for _, w := range s.workers {
		if w.ActiveRays > 0 {
			return false
		}
	}
	return true
}

func (s *Scheduler) hasWork() bool {
	return len(s.queued) > 0 || (s.tiles != nil && s.tiles.Remaining())
}

func (s *Scheduler) firstQueued(w *Worker) (cloud.TreeletID, bool) {
	for _, t := range w.Treelets {
		if s.queued[t].Len() > 0 {
			return t, true
		}
	}
	return 0, false
}

func (s *Scheduler) queue(m map[cloud.TreeletID]*BagQueue, t cloud.TreeletID) *BagQueue {
	q, ok := m[t]
	if !ok {
		q = &BagQueue{}
		m[t] = q
	}
	return q
}

func (s *Scheduler) dequeue(m map[cloud.TreeletID]*BagQueue, t cloud.TreeletID) *cloud.RayBag {
	q := m[t]
	b := q.Dequeue()
	if q.Len() == 0 {
		delete(m, t)
	}
	return b
}

func (s *Scheduler) updateGauges() {
	var queued, pending int
	for _, q := range s.queued {
		queued += q.Len()
	}
	for _, q := range s.pending {
		pending += q.Len()
	}
	s.metrics.QueuedBags.Set(float64(queued))
	s.metrics.PendingBags.Set(float64(pending))
}
