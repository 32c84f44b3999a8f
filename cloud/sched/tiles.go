package sched

import (
	"fmt"
	"math"

	"github.com/treelet-sim/treelet-sim/cloud"
	"github.com/treelet-sim/treelet-sim/cloud/geom"
)

// TileManager splits the film's sample bounds into square camera tiles and
// hands them out in row-major order. Tiles returned by a failed worker are
// handed out again before any fresh tile.
//
// Thread-safety: NOT thread-safe.
type TileManager struct {
	bounds   geom.Bounds2i
	spp      int
	size     int
	nTilesX  int
	nTilesY  int
	next     int
	returned []int
}

// NewTileManager sizes tiles so there are at most numWorkers of them, then
// shrinks them until one tile never exceeds maxRays camera rays.
func NewTileManager(bounds geom.Bounds2i, spp, numWorkers, maxRays int) (*TileManager, error) {
	if bounds.Empty() {
		return nil, fmt.Errorf("tiling %v: empty sample bounds", bounds)
	}
	if spp < 1 {
		return nil, fmt.Errorf("tiling: samples per pixel must be >= 1, got %d", spp)
	}
	if numWorkers < 1 {
		return nil, fmt.Errorf("tiling: need at least one worker, got %d", numWorkers)
	}
	if maxRays < spp {
		return nil, fmt.Errorf("tiling: ray budget %d cannot hold one pixel at %d spp", maxRays, spp)
	}
	w, h := bounds.Width(), bounds.Height()
	size := int(math.Ceil(math.Sqrt(float64(w*h) / float64(numWorkers))))
	for ceilDiv(w, size)*ceilDiv(h, size) > numWorkers {
		size++
	}
	if safe := int(math.Sqrt(float64(maxRays / spp))); size > safe {
		size = safe
	}
	return &TileManager{
		bounds:  bounds,
		spp:     spp,
		size:    size,
		nTilesX: ceilDiv(w, size),
		nTilesY: ceilDiv(h, size),
	}, nil
}

// TileSize returns the edge length of a full tile in pixels.
func (m *TileManager) TileSize() int { return m.size }

// Count returns the number of tiles covering the sample bounds.
func (m *TileManager) Count() int { return m.nTilesX * m.nTilesY }

// Remaining reports whether any tile is still to be handed out.
func (m *TileManager) Remaining() bool {
	return len(m.returned) > 0 || m.next < m.Count()
}

// Bounds returns the pixel rectangle of tile id, clipped to the sample
// bounds.
func (m *TileManager) Bounds(id int) geom.Bounds2i {
	if id < 0 || id >= m.Count() {
		panic(fmt.Sprintf("Bounds: tile %d out of range [0, %d)", id, m.Count()))
	}
	x := m.bounds.Min.X + (id%m.nTilesX)*m.size
	y := m.bounds.Min.Y + (id/m.nTilesX)*m.size
	return geom.NewBounds2i(x, y, min(x+m.size, m.bounds.Max.X), min(y+m.size, m.bounds.Max.Y))
}

// Rays returns the number of camera rays tile id generates.
func (m *TileManager) Rays(id int) int {
	return m.Bounds(id).Area() * m.spp
}

// Peek returns the id of the tile Next would hand out, or -1.
func (m *TileManager) Peek() int {
	if n := len(m.returned); n > 0 {
		return m.returned[n-1]
	}
	if m.next < m.Count() {
		return m.next
	}
	return -1
}

// Next hands out the next tile. ok is false when none remain.
func (m *TileManager) Next() (tile cloud.TileAssignment, ok bool) {
	id := m.Peek()
	if id < 0 {
		return cloud.TileAssignment{}, false
	}
	if n := len(m.returned); n > 0 {
		m.returned = m.returned[:n-1]
	} else {
		m.next++
	}
	return cloud.TileAssignment{TileID: id, Bounds: m.Bounds(id)}, true
}

// Return puts a handed-out tile back so its rays are generated again.
func (m *TileManager) Return(id int) {
	if id < 0 || id >= m.next {
		panic(fmt.Sprintf("Return: tile %d was never handed out", id))
	}
	m.returned = append(m.returned, id)
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }
