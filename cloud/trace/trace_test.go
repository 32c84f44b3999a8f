package trace

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathTrace_WriteTo_OrdersPathsAndEdges(t *testing.T) {
	// GIVEN two paths registered out of order, one without edges
	pt := NewPathTrace()
	pt.AddPath(7)
	pt.AddPath(3)
	pt.AddPath(9)
	pt.Record(7, Edge{NodeID: 0, PrevNodeID: -1, Task: TaskTrace, Treelet: 0, ElapsedNS: 120, NodesVisited: 4})
	pt.Record(7, Edge{NodeID: 1, PrevNodeID: 0, Task: TaskShade, Treelet: 2, ElapsedNS: 900, NodesVisited: 0})
	pt.Record(3, Edge{NodeID: 0, PrevNodeID: -1, Task: TaskTrace, Treelet: 0, ElapsedNS: 80, NodesVisited: 2})

	// WHEN written
	var buf bytes.Buffer
	n, err := pt.WriteTo(&buf)

	// THEN paths come out in id order with six fields per edge
	require.NoError(t, err)
	want := "3 0 -1 1 0 80 2\n" +
		"7 0 -1 1 0 120 4 1 0 2 2 900 0\n" +
		"9\n"
	assert.Equal(t, want, buf.String())
	assert.Equal(t, int64(len(want)), n)
	assert.Equal(t, []uint64{3, 7, 9}, pt.PathIDs())
	assert.Equal(t, 2, pt.NextNodeID(7))
}

func TestPathTrace_Record_OutOfSequencePanics(t *testing.T) {
	pt := NewPathTrace()
	assert.Panics(t, func() { pt.Record(1, Edge{NodeID: 1}) })
}

func TestWriteNodeCounts(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteNodeCounts(&buf, []int{15, 3, 7}))
	assert.Equal(t, "0 15\n1 3\n2 7\n", buf.String())
}

func TestSummarize_EmptyTrace_ZeroValues(t *testing.T) {
	for _, pt := range []*PathTrace{nil, NewPathTrace()} {
		s := Summarize(pt)
		assert.Zero(t, s.Paths)
		assert.Zero(t, s.Edges)
		assert.Zero(t, s.Trace.Count)
		assert.Empty(t, s.TreeletVisits)
	}
}

func TestSummarize_PopulatedTrace(t *testing.T) {
	// GIVEN one path that crosses from treelet 0 to treelet 1 and shades
	pt := NewPathTrace()
	pt.AddPath(1)
	pt.AddPath(2)
	pt.Record(1, Edge{NodeID: 0, PrevNodeID: -1, Task: TaskTrace, Treelet: 0, ElapsedNS: 100, NodesVisited: 2})
	pt.Record(1, Edge{NodeID: 1, PrevNodeID: 0, Task: TaskTrace, Treelet: 1, ElapsedNS: 300, NodesVisited: 6})
	pt.Record(1, Edge{NodeID: 2, PrevNodeID: 1, Task: TaskShade, Treelet: 1, ElapsedNS: 1000})
	pt.Record(2, Edge{NodeID: 0, PrevNodeID: -1, Task: TaskTrace, Treelet: 0, ElapsedNS: 200, NodesVisited: 4})

	// WHEN summarized
	s := Summarize(pt)

	// THEN counts, switches and timing statistics match
	assert.Equal(t, 2, s.Paths)
	assert.Equal(t, 4, s.Edges)
	assert.Equal(t, 3, s.MaxPathLength)
	assert.Equal(t, 1, s.TreeletSwitches)
	assert.Equal(t, 2, s.TreeletVisits[0])
	assert.Equal(t, 2, s.TreeletVisits[1])
	assert.Equal(t, 3, s.Trace.Count)
	assert.InDelta(t, 200, s.Trace.MeanNS, 1e-9)
	assert.InDelta(t, 200, s.Trace.P50NS, 1e-9)
	assert.InDelta(t, 300, s.Trace.P99NS, 1e-9)
	assert.InDelta(t, 4, s.Trace.MeanNodesVisited, 1e-9)
	assert.Equal(t, 1, s.Shade.Count)
	assert.InDelta(t, 1000, s.Shade.MeanNS, 1e-9)
}

func TestTaskType_String(t *testing.T) {
	assert.Equal(t, "trace", TaskTrace.String())
	assert.Equal(t, "shade", TaskShade.String())
	assert.Equal(t, "task(9)", TaskType(9).String())
}
