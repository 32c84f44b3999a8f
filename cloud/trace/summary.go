package trace

import (
	"slices"

	"gonum.org/v1/gonum/stat"

	"github.com/treelet-sim/treelet-sim/cloud"
)

// TaskSummary describes the timing of one task type.
type TaskSummary struct {
	Count            int
	MeanNS           float64
	P50NS            float64
	P99NS            float64
	MeanNodesVisited float64
}

// Summary aggregates statistics from a PathTrace.
type Summary struct {
	Paths           int
	Edges           int
	MaxPathLength   int
	Trace           TaskSummary
	Shade           TaskSummary
	TreeletVisits   map[cloud.TreeletID]int
	TreeletSwitches int // edges whose treelet differs from their predecessor's
}

// Summarize computes aggregate statistics from pt.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(pt *PathTrace) *Summary {
	s := &Summary{TreeletVisits: make(map[cloud.TreeletID]int)}
	if pt == nil {
		return s
	}
	var traceNS, shadeNS, traceNodes, shadeNodes []float64
	for _, id := range pt.PathIDs() {
		edges := pt.Edges(id)
		s.Paths++
		s.Edges += len(edges)
		s.MaxPathLength = max(s.MaxPathLength, len(edges))
		for _, e := range edges {
			s.TreeletVisits[e.Treelet]++
			if e.PrevNodeID >= 0 && edges[e.PrevNodeID].Treelet != e.Treelet {
				s.TreeletSwitches++
			}
			switch e.Task {
			case TaskTrace:
				traceNS = append(traceNS, float64(e.ElapsedNS))
				traceNodes = append(traceNodes, float64(e.NodesVisited))
			case TaskShade:
				shadeNS = append(shadeNS, float64(e.ElapsedNS))
				shadeNodes = append(shadeNodes, float64(e.NodesVisited))
			}
		}
	}
	s.Trace = summarizeTask(traceNS, traceNodes)
	s.Shade = summarizeTask(shadeNS, shadeNodes)
	return s
}

func summarizeTask(ns, nodes []float64) TaskSummary {
	if len(ns) == 0 {
		return TaskSummary{}
	}
	slices.Sort(ns)
	return TaskSummary{
		Count:            len(ns),
		MeanNS:           stat.Mean(ns, nil),
		P50NS:            stat.Quantile(0.5, stat.Empirical, ns, nil),
		P99NS:            stat.Quantile(0.99, stat.Empirical, ns, nil),
		MeanNodesVisited: stat.Mean(nodes, nil),
	}
}
