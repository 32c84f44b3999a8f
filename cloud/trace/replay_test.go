package trace

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treelet-sim/treelet-sim/cloud"
	"github.com/treelet-sim/treelet-sim/cloud/internal/testutil"
	"github.com/treelet-sim/treelet-sim/cloud/render"
	"github.com/treelet-sim/treelet-sim/cloud/worker"
)

func cameraRays(sc *render.Scene) []*cloud.RayState {
	var rays []*cloud.RayState
	render.GenerateCameraRays(sc.Camera, sc.Sampler, sc.Camera.SampleBounds(), sc.MaxBounces,
		func(rs *cloud.RayState) { rays = append(rays, rs) })
	return rays
}

func quickConfig() ReplayConfig {
	return ReplayConfig{TraceRepeats: 2, ShadeRepeats: 1}
}

func TestReplay_BuildsTaskGraphPerPath(t *testing.T) {
	// GIVEN a small scene and its camera rays
	mgr, stats := testutil.WriteScene(t, testutil.SmallOptions())
	g, sc := testutil.LoadScene(t, mgr)
	rays := cameraRays(sc)
	r, err := NewReplayer(quickConfig(), g, sc.Shader())
	require.NoError(t, err)

	// WHEN every ray is replayed
	res, err := r.Replay(stats.Treelets, rays)
	require.NoError(t, err)

	// THEN every camera path has a well-formed graph rooted at a trace step
	assert.Equal(t, len(rays), res.Trace.Len())
	edges := 0
	for _, id := range res.Trace.PathIDs() {
		path := res.Trace.Edges(id)
		require.NotEmpty(t, path, "path %d", id)
		assert.Equal(t, -1, path[0].PrevNodeID)
		assert.Equal(t, TaskTrace, path[0].Task)
		assert.Equal(t, cloud.RootTreelet, path[0].Treelet)
		for i, e := range path {
			assert.Equal(t, i, e.NodeID)
			assert.Less(t, e.PrevNodeID, e.NodeID)
			assert.GreaterOrEqual(t, e.ElapsedNS, int64(0))
			assert.Less(t, int(e.Treelet), stats.Treelets)
		}
		edges += len(path)
	}
	assert.Equal(t, res.Steps, edges)

	// AND node counts cover every treelet
	require.Len(t, res.NodeCounts, stats.Treelets)
	for i, n := range res.NodeCounts {
		assert.Positive(t, n, "treelet %d", i)
	}

	// AND the samples equal a plain local run
	g2, sc2 := testutil.LoadScene(t, mgr)
	require.NoError(t, g2.Preload())
	want, err := worker.NewProcessor(g2, sc2.Shader()).RunLocal(cameraRays(sc2))
	require.NoError(t, err)
	require.Len(t, res.Samples, len(want))
	for i := range want {
		assert.Equal(t, want[i].SampleID, res.Samples[i].SampleID)
		testutil.AssertSpectrumEqual(t, "L", want[i].L, res.Samples[i].L, 1e-12)
	}
}

func TestReplay_PathRange(t *testing.T) {
	mgr, stats := testutil.WriteScene(t, testutil.SmallOptions())
	g, sc := testutil.LoadScene(t, mgr)
	cfg := quickConfig()
	cfg.Filter, cfg.StartPath, cfg.EndPath = true, 4, 6
	r, err := NewReplayer(cfg, g, sc.Shader())
	require.NoError(t, err)

	res, err := r.Replay(stats.Treelets, cameraRays(sc))
	require.NoError(t, err)

	assert.Equal(t, []uint64{4, 5, 6}, res.Trace.PathIDs())
}

func TestReplay_KeepsFastestRun(t *testing.T) {
	// GIVEN a clock whose successive measurements take 50, 20 and 30 ns
	mgr, _ := testutil.WriteScene(t, testutil.SmallOptions())
	g, sc := testutil.LoadScene(t, mgr)
	require.NoError(t, g.Preload())
	r, err := NewReplayer(quickConfig(), g, sc.Shader())
	require.NoError(t, err)
	base := time.Unix(0, 0)
	ticks := []int64{0, 50, 100, 120, 200, 230}
	call := 0
	r.now = func() time.Time {
		d := ticks[call]
		call++
		return base.Add(time.Duration(d))
	}

	// WHEN one trace step is timed three times
	got, err := r.time(cameraRays(sc)[0], 3)

	// THEN the minimum wins
	require.NoError(t, err)
	assert.Equal(t, int64(20), got)
	assert.Equal(t, 6, call)
}

func TestReplayConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultReplayConfig().Validate())
	assert.Error(t, ReplayConfig{TraceRepeats: -1}.Validate())
	assert.Error(t, ReplayConfig{Filter: true, StartPath: 5, EndPath: 4}.Validate())
}

func TestRays_RoundTrip(t *testing.T) {
	mgr, _ := testutil.WriteScene(t, testutil.SmallOptions())
	_, sc := testutil.LoadScene(t, mgr)
	rays := cameraRays(sc)

	var buf bytes.Buffer
	require.NoError(t, WriteRays(&buf, rays, 5))
	got, err := ReadRays(&buf)

	require.NoError(t, err)
	require.Len(t, got, len(rays))
	for i := range rays {
		assert.Equal(t, rays[i].PathID(), got[i].PathID())
		assert.Equal(t, rays[i].ToVisit(), got[i].ToVisit())
	}
	assert.Error(t, WriteRays(&buf, rays, 0))
}
