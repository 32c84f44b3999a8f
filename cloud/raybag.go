package cloud

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedRayBag is returned for a truncated or inconsistent bag.
var ErrMalformedRayBag = errors.New("malformed ray bag")

// RayBag is an ordered batch of serialized continuations bound for one
// treelet. It is built on demand and discarded once delivered.
type RayBag struct {
	TreeletID TreeletID
	BagID     uint64
	Tracked   bool
	Rays      [][]byte
}

// NewRayBag returns an empty bag for treelet.
func NewRayBag(treelet TreeletID, bagID uint64) *RayBag {
	return &RayBag{TreeletID: treelet, BagID: bagID}
}

// Len returns the number of continuations in the bag.
func (b *RayBag) Len() int { return len(b.Rays) }

// Size returns the encoded length of the bag.
func (b *RayBag) Size() int {
	n := rayBagHeaderSize
	for _, r := range b.Rays {
		n += 4 + len(r)
	}
	return n
}

// Add serializes rs and appends it. A tracked continuation marks the whole
// bag as tracked.
func (b *RayBag) Add(rs *RayState) {
	blob, _ := rs.MarshalBinary()
	b.Rays = append(b.Rays, blob)
	b.Tracked = b.Tracked || rs.TrackRay
}

// treelet u32, bag id u64, tracked u8, ray count u32
const rayBagHeaderSize = 4 + 8 + 1 + 4

// AppendEncoded appends the length-prefixed encoding of b to dst.
func (b *RayBag) AppendEncoded(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(b.TreeletID))
	dst = binary.LittleEndian.AppendUint64(dst, b.BagID)
	if b.Tracked {
		dst = append(dst, 1)
	} else {
		dst = append(dst, 0)
	}
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(b.Rays)))
	for _, r := range b.Rays {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(r)))
		dst = append(dst, r...)
	}
	return dst
}

// Encode returns the encoding of b.
func (b *RayBag) Encode() []byte {
	return b.AppendEncoded(make([]byte, 0, b.Size()))
}

// DecodeRayBag reads one bag from the front of buf and returns it together
// with the number of bytes consumed. Ray blobs alias buf.
func DecodeRayBag(buf []byte) (*RayBag, int, error) {
	if len(buf) < rayBagHeaderSize {
		return nil, 0, fmt.Errorf("%w: header needs %d bytes, got %d", ErrMalformedRayBag, rayBagHeaderSize, len(buf))
	}
	b := &RayBag{
		TreeletID: TreeletID(binary.LittleEndian.Uint32(buf[0:])),
		BagID:     binary.LittleEndian.Uint64(buf[4:]),
		Tracked:   buf[12] != 0,
	}
	count := binary.LittleEndian.Uint32(buf[13:])
	off := rayBagHeaderSize
	for i := uint32(0); i < count; i++ {
		if off+4 > len(buf) {
			return nil, 0, fmt.Errorf("%w: ray %d of %d: missing length", ErrMalformedRayBag, i, count)
		}
		n := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		if n > RayStateMaxSize || off+n > len(buf) {
			return nil, 0, fmt.Errorf("%w: ray %d of %d: bad length %d", ErrMalformedRayBag, i, count, n)
		}
		b.Rays = append(b.Rays, buf[off:off+n])
		off += n
	}
	return b, off, nil
}

// EncodeRayBags packs several bags behind a u32 count. This is the payload
// of a process-ray-bag message.
func EncodeRayBags(bags []*RayBag) []byte {
	size := 4
	for _, b := range bags {
		size += b.Size()
	}
	out := binary.LittleEndian.AppendUint32(make([]byte, 0, size), uint32(len(bags)))
	for _, b := range bags {
		out = b.AppendEncoded(out)
	}
	return out
}

// DecodeRayBags is the inverse of EncodeRayBags.
func DecodeRayBags(buf []byte) ([]*RayBag, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: missing bag count", ErrMalformedRayBag)
	}
	count := binary.LittleEndian.Uint32(buf)
	off := 4
	// Every bag needs at least a header, so the rest of buf bounds count.
	bags := make([]*RayBag, 0, min(int(count), (len(buf)-off)/rayBagHeaderSize))
	for i := uint32(0); i < count; i++ {
		b, n, err := DecodeRayBag(buf[off:])
		if err != nil {
			return nil, fmt.Errorf("bag %d of %d: %w", i, count, err)
		}
		bags = append(bags, b)
		off += n
	}
	if off != len(buf) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedRayBag, len(buf)-off)
	}
	return bags, nil
}
