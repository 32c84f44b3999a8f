package cloud

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/treelet-sim/treelet-sim/cloud/geom"
)

// ErrMalformedRayState is returned when a serialized continuation cannot be
// decoded: it is truncated, has trailing bytes, or carries impossible values.
var ErrMalformedRayState = errors.New("malformed ray state")

const (
	flagTrackRay uint8 = 1 << iota
	flagShadowRay
	flagHit
	flagDifferentials
	flagHitTransform
	flagRayTransform

	knownFlags = flagTrackRay | flagShadowRay | flagHit | flagDifferentials | flagHitTransform | flagRayTransform
)

const (
	vecSize         = 3 * 8
	treeletNodeSize = 4 + 4 + 1 + 1
	transformSize   = 32 * 8

	// flags, hop, pathHop, sample, ray, beta, Ld, bounces, hitNode, stack head
	rayStateFixedSize = 1 + 2 + 2 + (8 + 16 + 8 + 4) + (2*vecSize + 8) + 2*vecSize + 1 + treeletNodeSize + 1
	differentialsSize = 4 * vecSize

	// RayStateMaxSize bounds the serialized length of any RayState: all
	// optional sections present and a full pending-visit stack.
	RayStateMaxSize = rayStateFixedSize + differentialsSize + 2*transformSize + MaxVisitDepth*treeletNodeSize
)

// MaxSize returns RayStateMaxSize.
func (rs *RayState) MaxSize() int { return RayStateMaxSize }

// Size returns the exact serialized length of rs.
func (rs *RayState) Size() int {
	n := rayStateFixedSize + int(rs.toVisitHead)*treeletNodeSize
	if rs.Ray.HasDifferentials {
		n += differentialsSize
	}
	if !rs.HitTransform.IsIdentity() {
		n += transformSize
	}
	if !rs.RayTransform.IsIdentity() {
		n += transformSize
	}
	return n
}

func (rs *RayState) flags() uint8 {
	var f uint8
	if rs.TrackRay {
		f |= flagTrackRay
	}
	if rs.IsShadowRay {
		f |= flagShadowRay
	}
	if rs.Hit {
		f |= flagHit
	}
	if rs.Ray.HasDifferentials {
		f |= flagDifferentials
	}
	if !rs.HitTransform.IsIdentity() {
		f |= flagHitTransform
	}
	if !rs.RayTransform.IsIdentity() {
		f |= flagRayTransform
	}
	return f
}

// Serialize writes rs into buf and returns the number of bytes written.
// Identity transforms and absent differentials are omitted. buf must hold at
// least rs.Size() bytes; RayStateMaxSize is always enough.
func (rs *RayState) Serialize(buf []byte) int {
	if len(buf) < rs.Size() {
		panic(fmt.Sprintf("Serialize: buffer of %d bytes cannot hold %d", len(buf), rs.Size()))
	}
	e := encoder{buf: buf}
	flags := rs.flags()
	e.u8(flags)
	e.u16(rs.Hop)
	e.u16(rs.PathHop)

	e.u64(rs.Sample.ID)
	e.f64(rs.Sample.PFilm.X)
	e.f64(rs.Sample.PFilm.Y)
	e.f64(rs.Sample.Weight)
	e.u32(uint32(rs.Sample.Dim))

	e.vec(rs.Ray.O)
	e.vec(rs.Ray.D)
	e.f64(rs.Ray.TMax)
	if flags&flagDifferentials != 0 {
		e.vec(rs.Ray.RxOrigin)
		e.vec(rs.Ray.RyOrigin)
		e.vec(rs.Ray.RxDirection)
		e.vec(rs.Ray.RyDirection)
	}

	e.spectrum(rs.Beta)
	e.spectrum(rs.Ld)
	e.u8(rs.RemainingBounces)
	e.treeletNode(rs.HitNode)
	if flags&flagHitTransform != 0 {
		e.transform(rs.HitTransform)
	}
	if flags&flagRayTransform != 0 {
		e.transform(rs.RayTransform)
	}

	e.u8(rs.toVisitHead)
	for i := uint8(0); i < rs.toVisitHead; i++ {
		e.treeletNode(rs.toVisit[i])
	}
	return e.off
}

// MarshalBinary returns a freshly allocated serialization of rs.
func (rs *RayState) MarshalBinary() ([]byte, error) {
	buf := make([]byte, rs.Size())
	n := rs.Serialize(buf)
	return buf[:n], nil
}

// Deserialize replaces rs with the continuation encoded in buf. buf must
// contain exactly one serialized RayState.
func (rs *RayState) Deserialize(buf []byte) error {
	d := decoder{buf: buf}
	var out RayState

	flags := d.u8()
	if flags&^knownFlags != 0 {
		return fmt.Errorf("%w: unknown flag bits %#x", ErrMalformedRayState, flags&^knownFlags)
	}
	out.TrackRay = flags&flagTrackRay != 0
	out.IsShadowRay = flags&flagShadowRay != 0
	out.Hit = flags&flagHit != 0
	out.Hop = d.u16()
	out.PathHop = d.u16()

	out.Sample.ID = d.u64()
	out.Sample.PFilm.X = d.f64()
	out.Sample.PFilm.Y = d.f64()
	out.Sample.Weight = d.f64()
	out.Sample.Dim = int32(d.u32())

	out.Ray.O = d.vec()
	out.Ray.D = d.vec()
	out.Ray.TMax = d.f64()
	if flags&flagDifferentials != 0 {
		out.Ray.HasDifferentials = true
		out.Ray.RxOrigin = d.vec()
		out.Ray.RyOrigin = d.vec()
		out.Ray.RxDirection = d.vec()
		out.Ray.RyDirection = d.vec()
	}

	out.Beta = d.spectrum()
	out.Ld = d.spectrum()
	out.RemainingBounces = d.u8()
	out.HitNode = d.treeletNode()
	out.HitTransform = geom.Identity()
	out.RayTransform = geom.Identity()
	if flags&flagHitTransform != 0 {
		out.HitTransform = d.transform()
	}
	if flags&flagRayTransform != 0 {
		out.RayTransform = d.transform()
	}

	head := d.u8()
	if int(head) > MaxVisitDepth {
		return fmt.Errorf("%w: stack depth %d exceeds %d", ErrMalformedRayState, head, MaxVisitDepth)
	}
	out.toVisitHead = head
	for i := uint8(0); i < head; i++ {
		out.toVisit[i] = d.treeletNode()
	}

	if d.short {
		return fmt.Errorf("%w: truncated after %d bytes", ErrMalformedRayState, len(buf))
	}
	if d.off != len(buf) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedRayState, len(buf)-d.off)
	}
	*rs = out
	return nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (rs *RayState) UnmarshalBinary(data []byte) error {
	return rs.Deserialize(data)
}

type encoder struct {
	buf []byte
	off int
}

func (e *encoder) u8(v uint8) {
	e.buf[e.off] = v
	e.off++
}

func (e *encoder) u16(v uint16) {
	binary.LittleEndian.PutUint16(e.buf[e.off:], v)
	e.off += 2
}

func (e *encoder) u32(v uint32) {
	binary.LittleEndian.PutUint32(e.buf[e.off:], v)
	e.off += 4
}

func (e *encoder) u64(v uint64) {
	binary.LittleEndian.PutUint64(e.buf[e.off:], v)
	e.off += 8
}

func (e *encoder) f64(v float64) { e.u64(math.Float64bits(v)) }

func (e *encoder) vec(v geom.Vec) {
	e.f64(v.X)
	e.f64(v.Y)
	e.f64(v.Z)
}

func (e *encoder) spectrum(s geom.Spectrum) {
	for _, c := range s {
		e.f64(c)
	}
}

func (e *encoder) treeletNode(n TreeletNode) {
	e.u32(n.Treelet)
	e.u32(n.Node)
	e.u8(n.Primitive)
	if n.Transformed {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

func (e *encoder) transform(t geom.Transform) {
	for _, v := range t.M.Flatten() {
		e.f64(v)
	}
	for _, v := range t.MInv.Flatten() {
		e.f64(v)
	}
}

// decoder reads fixed-width fields and latches short on the first read past
// the end; later reads return zero values.
type decoder struct {
	buf   []byte
	off   int
	short bool
}

func (d *decoder) take(n int) []byte {
	if d.short || d.off+n > len(d.buf) {
		d.short = true
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) f64() float64 { return math.Float64frombits(d.u64()) }

func (d *decoder) vec() geom.Vec {
	return geom.Vec{X: d.f64(), Y: d.f64(), Z: d.f64()}
}

func (d *decoder) spectrum() geom.Spectrum {
	return geom.Spectrum{d.f64(), d.f64(), d.f64()}
}

func (d *decoder) treeletNode() TreeletNode {
	return TreeletNode{
		Treelet:     d.u32(),
		Node:        d.u32(),
		Primitive:   d.u8(),
		Transformed: d.u8() != 0,
	}
}

func (d *decoder) transform() geom.Transform {
	var m, mi [16]float64
	for i := range m {
		m[i] = d.f64()
	}
	for i := range mi {
		mi[i] = d.f64()
	}
	return geom.Transform{M: geom.MatrixFromArray(m), MInv: geom.MatrixFromArray(mi)}
}
