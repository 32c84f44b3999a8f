package sched

import (
	"fmt"
	"sort"

	"github.com/treelet-sim/treelet-sim/cloud"
)

// WorkerState is the scheduler's view of a worker's lifecycle.
type WorkerState uint8

const (
	// WorkerActive workers receive ray bags and camera tiles.
	WorkerActive WorkerState = iota
	// WorkerTerminated workers are gone; their work has been reclaimed.
	WorkerTerminated
)

func (s WorkerState) String() string {
	switch s {
	case WorkerActive:
		return "active"
	case WorkerTerminated:
		return "terminated"
	}
	return fmt.Sprintf("WorkerState(%d)", uint8(s))
}

type assignedBag struct {
	treelet cloud.TreeletID
	rays    int
}

// Worker tracks what the scheduler has sent one worker and not yet seen
// acknowledged.
type Worker struct {
	ID       uint64
	State    WorkerState
	Treelets []cloud.TreeletID // sorted ascending

	// ActiveRays counts rays in bags and tiles assigned to this worker whose
	// completion has not arrived.
	ActiveRays int

	bags  map[uint64]assignedBag
	tiles map[int]int
}

func newWorker(id uint64, treelets []cloud.TreeletID) *Worker {
	owned := append([]cloud.TreeletID(nil), treelets...)
	sort.Slice(owned, func(i, j int) bool { return owned[i] < owned[j] })
	return &Worker{
		ID:       id,
		State:    WorkerActive,
		Treelets: owned,
		bags:     make(map[uint64]assignedBag),
		tiles:    make(map[int]int),
	}
}

// Owns reports whether the worker holds treelet t.
func (w *Worker) Owns(t cloud.TreeletID) bool {
	i := sort.Search(len(w.Treelets), func(i int) bool { return w.Treelets[i] >= t })
	return i < len(w.Treelets) && w.Treelets[i] == t
}

// AssignedBags returns the ids of bags awaiting acknowledgment, ascending.
func (w *Worker) AssignedBags() []uint64 {
	ids := make([]uint64, 0, len(w.bags))
	for id := range w.bags {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// AssignedTiles returns the ids of tiles awaiting acknowledgment, ascending.
func (w *Worker) AssignedTiles() []int {
	ids := make([]int, 0, len(w.tiles))
	for id := range w.tiles {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (w *Worker) String() string {
	return fmt.Sprintf("worker %d (%s, %d active rays, treelets %v)", w.ID, w.State, w.ActiveRays, w.Treelets)
}
