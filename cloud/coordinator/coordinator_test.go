package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treelet-sim/treelet-sim/cloud"
	"github.com/treelet-sim/treelet-sim/cloud/bvh"
	"github.com/treelet-sim/treelet-sim/cloud/internal/testutil"
	"github.com/treelet-sim/treelet-sim/cloud/render"
	"github.com/treelet-sim/treelet-sim/cloud/sched"
	"github.com/treelet-sim/treelet-sim/cloud/wire"
	"github.com/treelet-sim/treelet-sim/cloud/worker"
)

// renderLocally traces every camera ray of the scene in one process.
func renderLocally(t *testing.T, g *bvh.CloudBVH, sc *render.Scene) *render.Film {
	t.Helper()
	require.NoError(t, g.Preload())
	var rays []*cloud.RayState
	render.GenerateCameraRays(sc.Camera, sc.Sampler, sc.Camera.SampleBounds(), sc.MaxBounces,
		func(rs *cloud.RayState) { rays = append(rays, rs) })
	samples, err := worker.NewProcessor(g, sc.Shader()).RunLocal(rays)
	require.NoError(t, err)
	film := sc.Film()
	for _, s := range samples {
		film.AddSample(s)
	}
	return film
}

func testConfig(workers int) Config {
	cfg := DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.Workers = workers
	cfg.Scheduler.WorkerMaxActiveRays = 64
	cfg.Seed = 5
	return cfg
}

func TestCoordinator_DistributedRenderMatchesLocal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// GIVEN a scene split into many treelets and a coordinator for 3 workers
	mgr, stats := testutil.WriteScene(t, testutil.SmallOptions())
	require.Greater(t, stats.Treelets, 3)
	_, sc := testutil.LoadScene(t, mgr)
	c, err := New(testConfig(3), sc, mgr)
	require.NoError(t, err)
	require.NoError(t, c.Listen())

	// WHEN three workers join and the render runs to completion
	workerErrs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		g, wsc := testutil.LoadScene(t, mgr)
		conn, err := wire.Dial(ctx, c.Addr().String(), 0)
		require.NoError(t, err)
		w := worker.New(conn, g, wsc, worker.Config{MaxBagSize: 2048})
		go func() { workerErrs <- w.Run(ctx) }()
	}
	film, err := c.Run(ctx)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		assert.NoError(t, <-workerErrs)
	}

	// THEN the image equals a single-process render of the same rays
	g, lsc := testutil.LoadScene(t, mgr)
	local := renderLocally(t, g, lsc)
	assert.Equal(t, local.Samples(), film.Samples())
	assert.Zero(t, film.Dropped())
	for y := 0; y < film.Height; y++ {
		for x := 0; x < film.Width; x++ {
			testutil.AssertSpectrumEqual(t, fmt.Sprintf("pixel (%d,%d)", x, y), local.Pixel(x, y), film.Pixel(x, y), 1e-9)
		}
	}

	// AND rays crossed treelets through the scheduler
	m := c.sched.Metrics()
	assert.Greater(t, promtest.ToFloat64(m.BagsAssigned), 0.0)
	assert.Equal(t, promtest.ToFloat64(m.BagsEnqueued), promtest.ToFloat64(m.BagsAcked))
	assert.Equal(t, float64(film.Samples()), promtest.ToFloat64(m.Samples))
	assert.True(t, c.sched.Done())

	var traced uint64
	for _, s := range c.WorkerStats() {
		traced += s.RaysTraced
	}
	assert.Positive(t, traced)
}

func TestCoordinator_TreeletAssignment(t *testing.T) {
	mgr, stats := testutil.WriteScene(t, testutil.SmallOptions())
	_, sc := testutil.LoadScene(t, mgr)
	c, err := New(testConfig(2), sc, mgr)
	require.NoError(t, err)

	// WHEN two workers hand-shake
	pa, _ := net.Pipe()
	pb, _ := net.Pipe()
	a, b := wire.NewConn(pa, 0), wire.NewConn(pb, 0)
	require.NoError(t, c.join(a))
	require.NoError(t, c.join(b))

	// THEN treelets alternate and both hold the root
	wa, wb := c.conns[a], c.conns[b]
	require.NotNil(t, wa)
	require.NotNil(t, wb)
	assert.Equal(t, cloud.RootTreelet, wa.treelets[0])
	assert.Equal(t, cloud.RootTreelet, wb.treelets[0])
	assert.Equal(t, stats.Treelets+1, len(wa.treelets)+len(wb.treelets))
	for _, tr := range wb.treelets[1:] {
		assert.Equal(t, 1, int(tr)%2)
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no listen address", func(c *Config) { c.Listen = "" }},
		{"no workers", func(c *Config) { c.Workers = 0 }},
		{"bad scheduler", func(c *Config) { c.Scheduler = sched.Config{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

type countErr struct{}

func (countErr) TreeletCount() (int, error) { return 0, errors.New("no manifest") }

type countZero struct{}

func (countZero) TreeletCount() (int, error) { return 0, nil }

func TestNew_RejectsSceneWithoutTreelets(t *testing.T) {
	mgr, _ := testutil.WriteScene(t, testutil.SmallOptions())
	_, sc := testutil.LoadScene(t, mgr)

	_, err := New(testConfig(1), sc, countErr{})
	assert.Error(t, err)
	_, err = New(testConfig(1), sc, countZero{})
	assert.Error(t, err)
}

func TestCoordinator_MetricsEndpoint(t *testing.T) {
	mgr, _ := testutil.WriteScene(t, testutil.SmallOptions())
	_, sc := testutil.LoadScene(t, mgr)
	c, err := New(testConfig(1), sc, mgr)
	require.NoError(t, err)

	srv := httptest.NewServer(promhttp.HandlerFor(c.Registry(), promhttp.HandlerOpts{}))
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	n, err := promtest.GatherAndCount(c.Registry(), "treelet_sched_queued_bags")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
