package trace

import (
	"bufio"
	"fmt"
	"io"
	"slices"
)

// PathTrace collects edges per path id.
type PathTrace struct {
	paths map[uint64][]Edge
}

// NewPathTrace returns an empty trace.
func NewPathTrace() *PathTrace {
	return &PathTrace{paths: make(map[uint64][]Edge)}
}

// AddPath registers a path so it appears in the output even if it never
// records an edge.
func (pt *PathTrace) AddPath(pathID uint64) {
	if _, ok := pt.paths[pathID]; !ok {
		pt.paths[pathID] = nil
	}
}

// NextNodeID returns the id the next edge of pathID will get.
func (pt *PathTrace) NextNodeID(pathID uint64) int { return len(pt.paths[pathID]) }

// Record appends e to pathID. e.NodeID must equal NextNodeID(pathID).
func (pt *PathTrace) Record(pathID uint64, e Edge) {
	if e.NodeID != len(pt.paths[pathID]) {
		panic(fmt.Sprintf("Record: path %d: node id %d out of sequence, want %d", pathID, e.NodeID, len(pt.paths[pathID])))
	}
	pt.paths[pathID] = append(pt.paths[pathID], e)
}

// Edges returns the edges of pathID in node order.
func (pt *PathTrace) Edges(pathID uint64) []Edge { return pt.paths[pathID] }

// PathIDs returns every registered path in ascending order.
func (pt *PathTrace) PathIDs() []uint64 {
	ids := make([]uint64, 0, len(pt.paths))
	for id := range pt.paths {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of registered paths.
func (pt *PathTrace) Len() int { return len(pt.paths) }

// WriteTo writes one line per path, in path id order: the path id followed
// by six fields per edge (node id, previous node id, task type, treelet,
// elapsed ns, BVH nodes visited).
func (pt *PathTrace) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var n int64
	for _, id := range pt.PathIDs() {
		c, err := fmt.Fprintf(bw, "%d", id)
		n += int64(c)
		if err != nil {
			return n, err
		}
		for _, e := range pt.paths[id] {
			c, err = fmt.Fprintf(bw, " %d %d %d %d %d %d", e.NodeID, e.PrevNodeID, e.Task, e.Treelet, e.ElapsedNS, e.NodesVisited)
			n += int64(c)
			if err != nil {
				return n, err
			}
		}
		if err := bw.WriteByte('\n'); err != nil {
			return n, err
		}
		n++
	}
	return n, bw.Flush()
}

// WriteNodeCounts writes "treelet nodeCount" per line.
func WriteNodeCounts(w io.Writer, counts []int) error {
	bw := bufio.NewWriter(w)
	for i, c := range counts {
		if _, err := fmt.Fprintf(bw, "%d %d\n", i, c); err != nil {
			return err
		}
	}
	return bw.Flush()
}
