package cmd

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treelet-sim/treelet-sim/cloud/netsim"
	"github.com/treelet-sim/treelet-sim/cloud/scenegen"
	"github.com/treelet-sim/treelet-sim/cloud/trace"
)

func smallScene(t *testing.T, name string) string {
	t.Helper()
	opts := scenegen.DefaultOptions()
	opts.Width, opts.Height, opts.SPP = 8, 6, 1
	opts.Boxes, opts.Instances, opts.MaxBounces = 12, 2, 1
	opts.Build.MaxTreeletNodes = 8
	path := filepath.Join(t.TempDir(), name)
	stats, err := buildScene(path, opts)
	require.NoError(t, err)
	require.Greater(t, stats.Treelets, 1)
	return path
}

func TestReplayPipeline_WritesTraceFiles(t *testing.T) {
	// GIVEN a scene on disk and its camera rays
	scene := smallScene(t, "scene")
	dir := t.TempDir()
	rays := filepath.Join(dir, "rays.bin")
	n, err := genRays(scene, rays, 10)
	require.NoError(t, err)
	require.Equal(t, 48, n)

	// WHEN paths 0..9 are replayed
	cfg := trace.ReplayConfig{TraceRepeats: 1, ShadeRepeats: 1, Filter: true, StartPath: 0, EndPath: 9}
	prefix := filepath.Join(dir, "out_")
	image := filepath.Join(dir, "replay.png")
	var summary bytes.Buffer
	require.NoError(t, runReplay(scene, rays, prefix, cfg, image, &summary))

	// THEN one line per path, each with six fields per edge
	f, err := os.Open(prefix + "trace_per_path.txt")
	require.NoError(t, err)
	defer f.Close()
	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		require.NotEmpty(t, fields)
		assert.Equal(t, 1, (len(fields)-1)%6, "line %q", sc.Text())
		assert.Equal(t, "-1", fields[2], "first edge has no predecessor")
		lines++
	}
	assert.Equal(t, 10, lines)

	// AND node counts are listed per treelet, and the summary and image exist
	counts, err := os.ReadFile(prefix + "node_cnt_for_treelet.txt")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(counts), "0 "))
	assert.Contains(t, summary.String(), "Paths: 10\n")
	assert.FileExists(t, image)
}

func TestRunSimulate_WritesCSVAndSummary(t *testing.T) {
	// GIVEN a bbolt-backed scene and a two-worker cluster
	scene := smallScene(t, "scene.db")
	cfg := netsim.DefaultConfig()
	cfg.Workers = 2
	cfg.MaxMS = 10_000
	csv := filepath.Join(t.TempDir(), "stats.csv")

	// WHEN simulated
	var out bytes.Buffer
	require.NoError(t, runSimulate(scene, cfg, csv, "", &out))

	// THEN the CSV has a header and rows, and the summary is printed
	data, err := os.ReadFile(csv)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.True(t, strings.HasPrefix(lines[0], "ms, rays_in_flight"))
	assert.Greater(t, len(lines), 1)
	assert.Contains(t, out.String(), "Average transfers/ray")
}

func TestRunSimulate_MappingFile(t *testing.T) {
	scene := smallScene(t, "scene")
	dir := t.TempDir()
	mapping := filepath.Join(dir, "mapping.txt")
	// A single worker missing every treelet but 0 cannot host the scene.
	require.NoError(t, os.WriteFile(mapping, []byte("0\n"), 0o644))
	cfg := netsim.DefaultConfig()
	cfg.Workers = 1
	cfg.MappingFile = mapping

	err := runSimulate(scene, cfg, "", "", &bytes.Buffer{})

	assert.ErrorContains(t, err, "has no owner")
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		return p
	}

	t.Run("empty path returns defaults", func(t *testing.T) {
		cfg, err := LoadConfig("")
		require.NoError(t, err)
		assert.Equal(t, DefaultFileConfig(), cfg)
	})

	t.Run("empty file returns defaults", func(t *testing.T) {
		cfg, err := LoadConfig(write("empty.yaml", ""))
		require.NoError(t, err)
		assert.Equal(t, DefaultFileConfig(), cfg)
	})

	t.Run("sections override defaults", func(t *testing.T) {
		cfg, err := LoadConfig(write("full.yaml", `
coordinator:
  workers: 8
  scheduler:
    worker_max_active_rays: 5000
    camera_ray_probability: 0.25
worker:
  stats_interval: 2s
simulate:
  worker_latency_ms: 3
`))
		require.NoError(t, err)
		assert.Equal(t, 8, cfg.Coordinator.Workers)
		assert.Equal(t, "127.0.0.1:50000", cfg.Coordinator.Listen)
		assert.Equal(t, 5000, cfg.Coordinator.Scheduler.WorkerMaxActiveRays)
		assert.InDelta(t, 0.25, cfg.Coordinator.Scheduler.CameraRayProbability, 1e-12)
		assert.Equal(t, 2*time.Second, cfg.Worker.StatsInterval)
		assert.Equal(t, int64(3), cfg.Simulate.LatencyMS)
		assert.Equal(t, netsim.DefaultConfig().Workers, cfg.Simulate.Workers)
	})

	t.Run("unknown keys are rejected", func(t *testing.T) {
		_, err := LoadConfig(write("typo.yaml", "coordinator:\n  wrokers: 2\n"))
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(dir, "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestWorkerConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultFileConfig().Worker.Validate())
	assert.Error(t, WorkerConfig{}.Validate())
	assert.Error(t, WorkerConfig{Coordinator: "x:1", MaxBagSize: -1}.Validate())
	assert.Error(t, WorkerConfig{Coordinator: "x:1", StatsInterval: -time.Second}.Validate())
}

func TestParsePathRange(t *testing.T) {
	start, end, err := parsePathRange("3", "17")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), start)
	assert.Equal(t, uint64(17), end)

	_, _, err = parsePathRange("a", "1")
	assert.Error(t, err)
	_, _, err = parsePathRange("1", "-2")
	assert.Error(t, err)
}

func TestRootCommand_RegistersSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"scene", "replay", "coordinator", "worker", "simulate"} {
		assert.True(t, names[want], "missing %s", want)
	}
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("log"))
}
