package netsim

import (
	"container/heap"
	"fmt"

	"github.com/treelet-sim/treelet-sim/cloud"
)

// Event is something that happens to a ray message at a given millisecond.
type Event interface {
	Timestamp() int64
	Priority() int // 0=Delivery, 1=Ack
	Execute(*Simulator)
}

type eventEntry struct {
	event Event
	seqID int64
}

// EventQueue is a min-heap ordered by (Timestamp, Priority, seqID).
// Implements heap.Interface.
type EventQueue []eventEntry

func (q EventQueue) Len() int { return len(q) }

func (q EventQueue) Less(i, j int) bool {
	if q[i].event.Timestamp() != q[j].event.Timestamp() {
		return q[i].event.Timestamp() < q[j].event.Timestamp()
	}
	if q[i].event.Priority() != q[j].event.Priority() {
		return q[i].event.Priority() < q[j].event.Priority()
	}
	return q[i].seqID < q[j].seqID
}

func (q EventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *EventQueue) Push(x any) {
	*q = append(*q, x.(eventEntry))
}

func (q *EventQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = eventEntry{}
	*q = old[:n-1]
	return item
}

// DeliveryEvent lands a fully transmitted ray in the destination worker's
// input queue once the link latency has elapsed.
// Priority 0: a ray delivered and acknowledged in the same millisecond is
// delivered first.
type DeliveryEvent struct {
	time int64
	msg  *rayMsg
}

func (e *DeliveryEvent) Timestamp() int64 { return e.time }
func (e *DeliveryEvent) Priority() int    { return 0 }

// Execute queues the ray at its destination and schedules the ack back to
// the sender.
func (e *DeliveryEvent) Execute(s *Simulator) {
	rs := cloud.NewRayState()
	if err := rs.Deserialize(e.msg.blob); err != nil {
		panic(fmt.Sprintf("DeliveryEvent: ray from worker %d: %v", e.msg.src, err))
	}
	e.msg.blob = nil
	dst := s.workers[e.msg.dst]
	dst.inQueue = append(dst.inQueue, rs)
	s.tick.RaysDequeued++
	s.schedule(&AckEvent{time: e.time + s.latency(), msg: e.msg})
}

// AckEvent releases the sender's outstanding slot for a delivered ray.
// Priority 1.
type AckEvent struct {
	time int64
	msg  *rayMsg
}

func (e *AckEvent) Timestamp() int64 { return e.time }
func (e *AckEvent) Priority() int    { return 1 }

// Execute decrements the sender's outstanding count.
func (e *AckEvent) Execute(s *Simulator) {
	src := s.workers[e.msg.src]
	if src.outstanding == 0 {
		panic("AckEvent: sender has no outstanding rays")
	}
	src.outstanding--
	s.totals.RaysTransferred++
}

func (s *Simulator) schedule(e Event) {
	s.nextSeqID++
	heap.Push(&s.events, eventEntry{event: e, seqID: s.nextSeqID})
}

// runDue executes every event with a timestamp at or before now.
func (s *Simulator) runDue() {
	for len(s.events) > 0 && s.events[0].event.Timestamp() <= s.now {
		heap.Pop(&s.events).(eventEntry).event.Execute(s)
	}
}
