package sched

import (
	"fmt"
	"strings"

	"github.com/treelet-sim/treelet-sim/cloud"
)

// BagQueue is a FIFO of ray bags bound for one treelet. The scheduler keeps
// two per treelet: bags waiting for a worker and bags sent but not yet
// acknowledged.
type BagQueue struct {
	queue []*cloud.RayBag
}

// Enqueue adds a bag to the back of the queue.
func (q *BagQueue) Enqueue(b *cloud.RayBag) {
	if b == nil {
		panic("Enqueue: bag must not be nil")
	}
	q.queue = append(q.queue, b)
}

// Len returns the number of bags in the queue.
func (q *BagQueue) Len() int {
	if q == nil {
		return 0
	}
	return len(q.queue)
}

// Peek returns the bag at the front of the queue without removing it.
// Returns nil if the queue is empty.
func (q *BagQueue) Peek() *cloud.RayBag {
	if q.Len() == 0 {
		return nil
	}
	return q.queue[0]
}

// Dequeue removes and returns the bag at the front of the queue.
// Returns nil if the queue is empty.
func (q *BagQueue) Dequeue() *cloud.RayBag {
	if q.Len() == 0 {
		return nil
	}
	b := q.queue[0]
	q.queue[0] = nil
	q.queue = q.queue[1:]
	return b
}

// PrependFront inserts bags, in order, ahead of everything already queued.
func (q *BagQueue) PrependFront(bags ...*cloud.RayBag) {
	for _, b := range bags {
		if b == nil {
			panic("PrependFront: bag must not be nil")
		}
	}
	if len(bags) == 0 {
		return
	}
	merged := make([]*cloud.RayBag, 0, len(bags)+len(q.queue))
	merged = append(merged, bags...)
	q.queue = append(merged, q.queue...)
}

// Remove deletes the bag with the given id and returns it, or nil when no
// such bag is queued. Relative order of the remaining bags is unchanged.
func (q *BagQueue) Remove(bagID uint64) *cloud.RayBag {
	if q == nil {
		return nil
	}
	for i, b := range q.queue {
		if b.BagID == bagID {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			return b
		}
	}
	return nil
}

// Take removes every bag for which match returns true and returns them in
// queue order.
func (q *BagQueue) Take(match func(*cloud.RayBag) bool) []*cloud.RayBag {
	if match == nil {
		panic("Take: match must not be nil")
	}
	if q == nil {
		return nil
	}
	var taken []*cloud.RayBag
	kept := q.queue[:0]
	for _, b := range q.queue {
		if match(b) {
			taken = append(taken, b)
		} else {
			kept = append(kept, b)
		}
	}
	for i := len(kept); i < len(q.queue); i++ {
		q.queue[i] = nil
	}
	q.queue = kept
	return taken
}

// Items returns the queue contents for iteration. The returned slice is the
// queue's internal storage; callers MUST NOT append to or reslice it.
func (q *BagQueue) Items() []*cloud.RayBag {
	if q == nil {
		return nil
	}
	return q.queue
}

// spliceBack moves every bag of src behind the bags of dst, leaving src
// empty. No bag is copied.
func spliceBack(dst, src *BagQueue) {
	dst.queue = append(dst.queue, src.queue...)
	src.queue = nil
}

// spliceFront moves every bag of src ahead of the bags of dst, leaving src
// empty.
func spliceFront(dst, src *BagQueue) {
	dst.PrependFront(src.queue...)
	src.queue = nil
}

func (q *BagQueue) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, b := range q.Items() {
		fmt.Fprintf(&sb, "%d", b.BagID)
		if i < q.Len()-1 {
			sb.WriteString(" ")
		}
	}
	sb.WriteString("]")
	return sb.String()
}
