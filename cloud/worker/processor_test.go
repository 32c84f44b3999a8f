package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treelet-sim/treelet-sim/cloud"
	"github.com/treelet-sim/treelet-sim/cloud/bvh"
	"github.com/treelet-sim/treelet-sim/cloud/geom"
	"github.com/treelet-sim/treelet-sim/cloud/internal/testutil"
	"github.com/treelet-sim/treelet-sim/cloud/render"
)

func twoTreeletProcessor(t *testing.T, single bool) *Processor {
	t.Helper()
	g, err := bvh.FromTreelets(testutil.TwoTreelets(single))
	require.NoError(t, err)
	shader := &render.Shader{
		Lights:  []render.PointLight{{Position: geom.Vec{Z: 2}, Intensity: geom.NewSpectrum(9)}},
		Sampler: render.NewSampler(1, 5),
	}
	return NewProcessor(g, shader)
}

func cameraRay(dir geom.Vec) *cloud.RayState {
	rs := cloud.NewRayState()
	rs.Ray.Ray = geom.NewRay(geom.Vec{}, dir)
	rs.RemainingBounces = 0
	rs.StartTrace()
	return rs
}

func TestStep_TwoTreelets_OneForeignTransitionThenMatchingRadiance(t *testing.T) {
	// GIVEN a camera ray aimed at a triangle that lives in treelet 1
	p := twoTreeletProcessor(t, false)
	rs := cameraRay(geom.Vec{Z: 1})

	// WHEN it is stepped until it has a hit
	foreign := 0
	queue := []*cloud.RayState{rs}
	var samples []cloud.Sample
	hitSeen := false
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		res, err := p.Step(cur)
		require.NoError(t, err)
		if !hitSeen && !cur.IsShadow() {
			if res.Foreign {
				foreign++
			}
			hitSeen = cur.HasHit()
		}
		samples = append(samples, res.Samples...)
		queue = append(queue, res.Requeue...)
	}

	// THEN exactly one boundary crossing preceded the hit
	assert.True(t, hitSeen)
	assert.Equal(t, 1, foreign)

	// AND the radiance matches the same ray traced in a single treelet
	local, err := twoTreeletProcessor(t, true).RunLocal([]*cloud.RayState{cameraRay(geom.Vec{Z: 1})})
	require.NoError(t, err)
	require.Len(t, samples, 1)
	require.Len(t, local, 1)
	testutil.AssertSpectrumEqual(t, "L", local[0].L, samples[0].L, 1e-9)
	testutil.AssertFloat64Equal(t, "L", 0.5/3.141592653589793*9/9, samples[0].L[0], 1e-9)
}

func TestStep_ShadowRay(t *testing.T) {
	tests := []struct {
		name   string
		dir    geom.Vec
		wantLd geom.Spectrum
	}{
		{"occluded zeroes Ld", geom.Vec{Z: 1}, geom.Spectrum{}},
		{"unoccluded keeps Ld", geom.Vec{Z: -1}, geom.NewSpectrum(0.25)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// GIVEN a shadow ray carrying direct lighting
			p := twoTreeletProcessor(t, false)
			rs := cameraRay(tc.dir)
			rs.IsShadowRay = true
			rs.Ray.TMax = 10
			rs.Ld = geom.NewSpectrum(0.25)

			// WHEN it is traced to completion
			samples, err := p.RunLocal([]*cloud.RayState{rs})

			// THEN it yields exactly one sample with the expected radiance
			require.NoError(t, err)
			require.Len(t, samples, 1)
			assert.Equal(t, tc.wantLd, samples[0].L)
		})
	}
}

func TestStep_EscapedRay_ZeroSample(t *testing.T) {
	p := twoTreeletProcessor(t, true)
	rs := cameraRay(geom.Vec{X: 1})
	rs.Ld = geom.NewSpectrum(3)

	res, err := p.Step(rs)
	require.NoError(t, err)
	assert.Equal(t, OpTrace, res.Op)
	assert.Empty(t, res.Requeue)
	require.Len(t, res.Samples, 1)
	assert.True(t, res.Samples[0].L.IsBlack())
}

func TestStep_HitPending_RequeuedForShading(t *testing.T) {
	p := twoTreeletProcessor(t, true)
	rs := cameraRay(geom.Vec{Z: 1})

	res, err := p.Step(rs)
	require.NoError(t, err)
	assert.False(t, res.Foreign)
	require.Len(t, res.Requeue, 1)
	assert.True(t, res.Requeue[0].HasHit())
	assert.True(t, res.Requeue[0].ToVisitEmpty())

	res, err = p.Step(res.Requeue[0])
	require.NoError(t, err)
	assert.Equal(t, OpShade, res.Op)
	require.Len(t, res.Requeue, 1)
	assert.True(t, res.Requeue[0].IsShadow())
	traced, shaded := p.Counts()
	assert.Equal(t, uint64(1), traced)
	assert.Equal(t, uint64(1), shaded)
}

func TestStep_EmptyStackNoHit_IsDefect(t *testing.T) {
	p := twoTreeletProcessor(t, true)
	_, err := p.Step(cloud.NewRayState())
	assert.ErrorIs(t, err, ErrInvalidContinuation)
}

func TestRunLocal_ProceduralScene_EveryPathTerminates(t *testing.T) {
	// GIVEN a partitioned procedural scene
	mgr, _ := testutil.WriteScene(t, testutil.SmallOptions())
	g, sc := testutil.LoadScene(t, mgr)
	p := NewProcessor(g, sc.Shader())
	var rays []*cloud.RayState
	render.GenerateCameraRays(sc.Camera, sc.Sampler, sc.Camera.SampleBounds(), sc.MaxBounces,
		func(rs *cloud.RayState) { rays = append(rays, rs) })

	// WHEN every camera ray is run locally
	samples, err := p.RunLocal(rays)

	// THEN every sample maps onto the film and is finite
	require.NoError(t, err)
	assert.NotEmpty(t, samples)
	film := sc.Film()
	for _, s := range samples {
		assert.False(t, s.L.HasNaN())
		film.AddSample(s)
	}
	assert.Zero(t, film.Dropped())
}
