package bvh

import (
	"errors"
	"fmt"
	"io"

	"github.com/treelet-sim/treelet-sim/cloud/geom"
)

// LeafTag marks a NodeRecord as a leaf. Any other tag value is interior.
const LeafTag uint32 = 0xFFFFFFFF

// MaxLeafPrimitives is the largest leaf a continuation can address: the
// primitive cursor in a pending-visit entry is one byte.
const MaxLeafPrimitives = 255

// ErrMalformedTreelet is returned when a stored treelet fails to parse or
// is internally inconsistent.
var ErrMalformedTreelet = errors.New("malformed treelet")

// TreeletHeader is the first record of a treelet object.
type TreeletHeader struct {
	ID             uint32
	NodeCount      uint32
	PrimitiveCount uint32
	MeshCount      uint32
	TransformCount uint32
	MaterialCount  uint32
}

// NodeRecord is the stored form of a Node. Leaf iff Tag == LeafTag; a leaf
// uses only PrimOffset/PrimCount and an interior node uses only Children.
type NodeRecord struct {
	Min, Max   geom.Vec
	Axis       uint8
	Tag        uint32
	Children   [2]ChildRef
	PrimOffset uint32
	PrimCount  uint32
}

// PrimitiveRecord is the stored form of a Primitive.
type PrimitiveRecord struct {
	Kind     PrimitiveKind
	Mesh     uint32
	Face     uint32
	Instance InstanceRef
}

// TransformRecord is an instance transform (instance space to world).
type TransformRecord struct {
	ID uint32
	M  [16]float64
}

// TreeletData is the in-memory form of one stored treelet object.
type TreeletData struct {
	ID         uint32
	Nodes      []NodeRecord
	Primitives []PrimitiveRecord
	Meshes     []Mesh
	Transforms []TransformRecord
	Materials  []Material
}

// RecordWriter is the sink for WriteTreelet; *storage.Writer satisfies it.
type RecordWriter interface {
	Write(v any) error
}

// RecordReader is the source for ReadTreelet; *storage.Reader satisfies it.
type RecordReader interface {
	Read(v any) error
}

// WriteTreelet emits the header followed by meshes, transforms, materials,
// nodes and primitives, in that order.
func WriteTreelet(w RecordWriter, t *TreeletData) error {
	hdr := TreeletHeader{
		ID:             t.ID,
		NodeCount:      uint32(len(t.Nodes)),
		PrimitiveCount: uint32(len(t.Primitives)),
		MeshCount:      uint32(len(t.Meshes)),
		TransformCount: uint32(len(t.Transforms)),
		MaterialCount:  uint32(len(t.Materials)),
	}
	if err := w.Write(hdr); err != nil {
		return err
	}
	for i := range t.Meshes {
		if err := w.Write(t.Meshes[i]); err != nil {
			return err
		}
	}
	for i := range t.Transforms {
		if err := w.Write(t.Transforms[i]); err != nil {
			return err
		}
	}
	for i := range t.Materials {
		if err := w.Write(t.Materials[i]); err != nil {
			return err
		}
	}
	for i := range t.Nodes {
		if err := w.Write(t.Nodes[i]); err != nil {
			return err
		}
	}
	for i := range t.Primitives {
		if err := w.Write(t.Primitives[i]); err != nil {
			return err
		}
	}
	return nil
}

// ReadTreelet parses the record stream written by WriteTreelet. Any short
// stream or decode failure is reported as ErrMalformedTreelet.
func ReadTreelet(r RecordReader) (*TreeletData, error) {
	var hdr TreeletHeader
	if err := readRecord(r, &hdr, "header"); err != nil {
		return nil, err
	}
	t := &TreeletData{ID: hdr.ID}
	var err error
	if t.Meshes, err = readRecords[Mesh](r, hdr.MeshCount, "mesh"); err != nil {
		return nil, err
	}
	if t.Transforms, err = readRecords[TransformRecord](r, hdr.TransformCount, "transform"); err != nil {
		return nil, err
	}
	if t.Materials, err = readRecords[Material](r, hdr.MaterialCount, "material"); err != nil {
		return nil, err
	}
	if t.Nodes, err = readRecords[NodeRecord](r, hdr.NodeCount, "node"); err != nil {
		return nil, err
	}
	if t.Primitives, err = readRecords[PrimitiveRecord](r, hdr.PrimitiveCount, "primitive"); err != nil {
		return nil, err
	}
	return t, nil
}

// maxPreallocRecords bounds the capacity reserved from a header count, which
// is untrusted until the records behind it have been read.
const maxPreallocRecords = 4096

func readRecords[T any](r RecordReader, n uint32, what string) ([]T, error) {
	out := make([]T, 0, min(n, maxPreallocRecords))
	for i := uint32(0); i < n; i++ {
		var v T
		if err := readRecord(r, &v, what); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func readRecord(r RecordReader, v any, what string) error {
	if err := r.Read(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: stream ended before %s record", ErrMalformedTreelet, what)
		}
		return fmt.Errorf("%w: reading %s: %w", ErrMalformedTreelet, what, err)
	}
	return nil
}
