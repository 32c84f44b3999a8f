// Package trace records how each camera path moved through the scene when a
// set of continuations is replayed on one machine: every trace or shade step
// becomes an Edge in its path's task graph, timed and annotated with the
// treelet it ran against.
package trace

import (
	"fmt"

	"github.com/treelet-sim/treelet-sim/cloud"
)

// TaskType identifies the work an Edge performed. The values are the ones
// written to trace files.
type TaskType uint8

const (
	TaskTrace TaskType = 1
	TaskShade TaskType = 2
)

func (t TaskType) String() string {
	switch t {
	case TaskTrace:
		return "trace"
	case TaskShade:
		return "shade"
	default:
		return fmt.Sprintf("task(%d)", uint8(t))
	}
}

// Edge is one step of one path. PrevNodeID is the step that produced this
// continuation, or -1 for the path's first ray.
type Edge struct {
	NodeID       int
	PrevNodeID   int
	Task         TaskType
	Treelet      cloud.TreeletID
	ElapsedNS    int64
	NodesVisited uint64
}
