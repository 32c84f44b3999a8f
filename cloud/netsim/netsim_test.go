package netsim

import (
	"bytes"
	"container/heap"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treelet-sim/treelet-sim/cloud"
	"github.com/treelet-sim/treelet-sim/cloud/internal/testutil"
	"github.com/treelet-sim/treelet-sim/cloud/render"
	"github.com/treelet-sim/treelet-sim/cloud/storage"
	"github.com/treelet-sim/treelet-sim/cloud/worker"
)

type stubEvent struct {
	time int64
	pri  int
	name string
	log  *[]string
}

func (e *stubEvent) Timestamp() int64   { return e.time }
func (e *stubEvent) Priority() int      { return e.pri }
func (e *stubEvent) Execute(*Simulator) { *e.log = append(*e.log, e.name) }

func TestEventQueue_Ordering(t *testing.T) {
	// GIVEN events pushed out of order, with ties on time and priority
	var log []string
	s := &Simulator{}
	for _, e := range []*stubEvent{
		{time: 5, pri: 1, name: "ack@5"},
		{time: 5, pri: 0, name: "deliver@5"},
		{time: 3, pri: 1, name: "ack@3"},
		{time: 5, pri: 0, name: "deliver@5b"},
		{time: 9, pri: 0, name: "deliver@9"},
	} {
		e.log = &log
		s.schedule(e)
	}

	// WHEN events due by t=5 run
	s.now = 5
	s.runDue()

	// THEN they ran by time, then priority, then insertion order
	assert.Equal(t, []string{"ack@3", "deliver@5", "deliver@5b", "ack@5"}, log)
	require.Equal(t, 1, s.events.Len())
	assert.Equal(t, int64(9), heap.Pop(&s.events).(eventEntry).event.Timestamp())
}

func newSim(t *testing.T, cfg Config) (*Simulator, *storage.SceneManager) {
	t.Helper()
	mgr, stats := testutil.WriteScene(t, testutil.SmallOptions())
	g, sc := testutil.LoadScene(t, mgr)
	s, err := New(cfg, g, sc, RoundRobinMapping(cfg.Workers, stats.Treelets), stats.Treelets)
	require.NoError(t, err)
	return s, mgr
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 3
	cfg.MaxMS = 10_000
	return cfg
}

func TestSimulator_RenderMatchesLocal(t *testing.T) {
	// GIVEN three simulated workers sharing a small scene
	s, mgr := newSim(t, fastConfig())
	var csv bytes.Buffer

	// WHEN the simulation runs to completion
	totals, err := s.Run(&csv)
	require.NoError(t, err)

	// THEN every camera ray was launched over the network and finished
	sc := s.scene
	assert.Equal(t, uint64(sc.Camera.Width*sc.Camera.Height*int(sc.Sampler.SamplesPerPixel)), totals.CameraRaysLaunched)
	assert.GreaterOrEqual(t, totals.RaysTransferred, totals.CameraRaysLaunched)
	assert.Positive(t, totals.RaysCompleted)
	assert.Greater(t, totals.TransfersPerRay(), 0.0)

	// AND the image equals a single-process render
	g, lsc := testutil.LoadScene(t, mgr)
	require.NoError(t, g.Preload())
	var rays []*cloud.RayState
	render.GenerateCameraRays(lsc.Camera, lsc.Sampler, lsc.Camera.SampleBounds(), lsc.MaxBounces,
		func(rs *cloud.RayState) { rays = append(rays, rs) })
	samples, err := worker.NewProcessor(g, lsc.Shader()).RunLocal(rays)
	require.NoError(t, err)
	assert.Equal(t, len(samples), s.Film().Samples())

	// AND the CSV has a header and one row per millisecond
	lines := strings.Split(strings.TrimSpace(csv.String()), "\n")
	assert.Equal(t, csvHeader, lines[0])
	assert.Len(t, lines, len(s.Series())+1)
	assert.Equal(t, totals.Milliseconds, int64(len(s.Series())))
	assert.True(t, strings.HasPrefix(lines[1], "0, "))
}

func TestSimulator_LatencyStretchesRender(t *testing.T) {
	fast, _ := newSim(t, fastConfig())
	slowCfg := fastConfig()
	slowCfg.LatencyMS = 20
	slow, _ := newSim(t, slowCfg)

	ft, err := fast.Run(nil)
	require.NoError(t, err)
	st, err := slow.Run(nil)
	require.NoError(t, err)

	assert.Greater(t, st.Milliseconds, ft.Milliseconds)
	assert.Equal(t, ft.CameraRaysLaunched, st.CameraRaysLaunched)
}

func TestSimulator_BandwidthLimitsBytesPerTick(t *testing.T) {
	// GIVEN links that move 2000 bytes per millisecond
	cfg := fastConfig()
	cfg.Bandwidth = 2_000_000
	s, _ := newSim(t, cfg)

	_, err := s.Run(nil)
	require.NoError(t, err)

	// THEN no millisecond moves more than the aggregate link capacity
	for _, tick := range s.Series() {
		require.LessOrEqual(t, tick.BytesTransferred, uint64(cfg.Workers)*2000)
		require.LessOrEqual(t, tick.Utilization(cfg.Workers, cfg.Bandwidth), 1.0)
	}
}

func TestSimulator_TimeLimit(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxMS = 1
	cfg.LatencyMS = 5
	s, _ := newSim(t, cfg)

	_, err := s.Run(nil)

	assert.ErrorIs(t, err, ErrTimeLimit)
}

func TestNew_RejectsBadMappings(t *testing.T) {
	mgr, stats := testutil.WriteScene(t, testutil.SmallOptions())
	g, sc := testutil.LoadScene(t, mgr)
	cfg := fastConfig()

	tests := []struct {
		name    string
		mapping [][]cloud.TreeletID
	}{
		{"worker count mismatch", RoundRobinMapping(2, stats.Treelets)},
		{"orphan treelet", [][]cloud.TreeletID{{0}, {1}, {2}}},
		{"out of range", append(RoundRobinMapping(2, stats.Treelets), []cloud.TreeletID{cloud.TreeletID(stats.Treelets)})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(cfg, g, sc, tt.mapping, stats.Treelets)
			assert.Error(t, err)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no workers", func(c *Config) { c.Workers = 0 }},
		{"bandwidth below 1 byte/ms", func(c *Config) { c.Bandwidth = 999 }},
		{"negative latency", func(c *Config) { c.LatencyMS = -1 }},
		{"tiny ray budget", func(c *Config) { c.MaxRays = 5 }},
		{"negative time limit", func(c *Config) { c.MaxMS = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMapping(t *testing.T) {
	m, err := LoadMapping(strings.NewReader("# placement\n0 3\n\n1,2\n4\n"))
	require.NoError(t, err)
	assert.Equal(t, [][]cloud.TreeletID{{0, 3}, {1, 2}, {4}}, m)

	_, err = LoadMapping(strings.NewReader("0 x\n"))
	assert.Error(t, err)
}

func TestRoundRobinMapping(t *testing.T) {
	assert.Equal(t, [][]cloud.TreeletID{{0, 3}, {1, 4}, {2}}, RoundRobinMapping(3, 5))
}

func TestWriteSummary(t *testing.T) {
	totals := Totals{Milliseconds: 4, RaysTransferred: 10, BytesTransferred: 3000, RaysLaunched: 5, CameraRaysLaunched: 4, ShadowRaysLaunched: 1}
	series := []TickStats{{BytesTransferred: 0}, {BytesTransferred: 1000}, {BytesTransferred: 2000}, {BytesTransferred: 0}}
	var out bytes.Buffer

	require.NoError(t, WriteSummary(&out, totals, series, 1, 2_000_000))

	assert.Contains(t, out.String(), "Total rays transferred: 10\n")
	assert.Contains(t, out.String(), "Average transfers/ray: 2.000\n")
	assert.Contains(t, out.String(), "Average bytes/ray: 300\n")
	assert.Contains(t, out.String(), "mean 0.3750")
}
