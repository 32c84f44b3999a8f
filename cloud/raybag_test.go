package cloud

import (
	"encoding/binary"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treelet-sim/treelet-sim/cloud/geom"
)

func TestRayBag_EncodeDecode_PreservesOrder(t *testing.T) {
	// GIVEN a bag with three continuations for treelet 4
	bag := NewRayBag(4, 77)
	bag.Tracked = true
	for i := 0; i < 3; i++ {
		rs := NewRayState()
		rs.Sample.ID = uint64(i)
		rs.ToVisitPush(TreeletNode{Treelet: 4, Node: uint32(i)})
		bag.Add(rs)
	}

	// WHEN encoded and decoded
	buf := bag.Encode()
	got, n, err := DecodeRayBag(buf)

	// THEN header and ray order survive
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, bag.Size(), n)
	assert.Equal(t, TreeletID(4), got.TreeletID)
	assert.Equal(t, uint64(77), got.BagID)
	assert.True(t, got.Tracked)
	require.Len(t, got.Rays, 3)
	for i, blob := range got.Rays {
		var rs RayState
		require.NoError(t, rs.Deserialize(blob))
		assert.Equal(t, uint64(i), rs.PathID())
	}
}

func TestDecodeRayBag_Truncated_ReturnsError(t *testing.T) {
	bag := NewRayBag(1, 1)
	bag.Add(NewRayState())
	buf := bag.Encode()

	for _, cut := range []int{0, 5, rayBagHeaderSize, rayBagHeaderSize + 2, len(buf) - 1} {
		_, _, err := DecodeRayBag(buf[:cut])
		assert.ErrorIs(t, err, ErrMalformedRayBag, "cut at %d", cut)
	}
}

func TestDecodeRayBags_HugeCount_RejectedWithoutLargeAllocation(t *testing.T) {
	// GIVEN a 4-byte payload announcing 1<<26 bags
	buf := binary.LittleEndian.AppendUint32(nil, 1<<26)

	// WHEN it is decoded
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	_, err := DecodeRayBags(buf)
	runtime.ReadMemStats(&after)

	// THEN it is rejected as truncated and the count reserved nothing
	assert.ErrorIs(t, err, ErrMalformedRayBag)
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(1<<20))
}

func TestEncodeRayBags_MultipleBags(t *testing.T) {
	a, b := NewRayBag(0, 1), NewRayBag(2, 2)
	a.Add(NewRayState())
	bags, err := DecodeRayBags(EncodeRayBags([]*RayBag{a, b}))
	require.NoError(t, err)
	require.Len(t, bags, 2)
	assert.Equal(t, 1, bags[0].Len())
	assert.Equal(t, TreeletID(2), bags[1].TreeletID)
	assert.Equal(t, 0, bags[1].Len())
}

func TestSamples_EncodeDecode(t *testing.T) {
	rs := NewRayState()
	rs.Sample = SampleInfo{ID: 9, PFilm: geom.Point2{X: 1.5, Y: 2.5}, Weight: 1}
	rs.Ld = geom.Spectrum{0.1, 0.2, 0.3}
	in := []Sample{NewSample(rs), {SampleID: 3}}

	out, err := DecodeSamples(EncodeSamples(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = DecodeSamples([]byte{1, 0, 0, 0})
	assert.ErrorIs(t, err, ErrMalformedSample)
}

func TestNewSample_NonFiniteRadiance_IsBlack(t *testing.T) {
	rs := NewRayState()
	rs.Ld = geom.Spectrum{1, 0, 0}
	rs.Ld[1] = rs.Ld[1] / rs.Ld[2] // NaN
	assert.True(t, NewSample(rs).L.IsBlack())
}

func TestPartitionedRNG_SubsystemsAreIsolated(t *testing.T) {
	// GIVEN two generators with the same key
	a := NewPartitionedRNG(42)
	b := NewPartitionedRNG(42)

	// WHEN one draws from an unrelated subsystem first
	a.ForSubsystem(SubsystemScene).Int63()

	// THEN the scheduler stream is unaffected
	assert.Equal(t, b.ForSubsystem(SubsystemScheduler).Int63(), a.ForSubsystem(SubsystemScheduler).Int63())
	assert.Same(t, a.ForSubsystem(SubsystemScheduler), a.ForSubsystem(SubsystemScheduler))
	assert.Equal(t, RunKey(42), a.Key())
}
