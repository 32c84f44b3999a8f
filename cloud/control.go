package cloud

import (
	"encoding/json"
	"fmt"

	"github.com/treelet-sim/treelet-sim/cloud/geom"
)

// Control payloads travel as JSON; ray and sample payloads use the binary
// codecs in this package.

// Hello is the coordinator's reply to a worker's Hey: the id the worker must
// stamp on every message from now on.
type Hello struct {
	WorkerID uint64 `json:"worker_id"`
}

// ObjectAssignment tells a worker which treelets it owns.
type ObjectAssignment struct {
	Treelets []TreeletID `json:"treelets"`
}

// TileAssignment hands a worker a rectangle of camera rays to generate.
type TileAssignment struct {
	TileID int           `json:"tile_id"`
	Bounds geom.Bounds2i `json:"bounds"`
}

// Completion reports work units a worker has fully processed: every ray
// they produced has become a sample or left the worker in a bag.
type Completion struct {
	Bags  []uint64 `json:"bags,omitempty"`
	Tiles []int    `json:"tiles,omitempty"`
}

// WorkerStats is a periodic counter snapshot from a worker.
type WorkerStats struct {
	RaysTraced     uint64 `json:"rays_traced"`
	RaysShaded     uint64 `json:"rays_shaded"`
	BagsEnqueued   uint64 `json:"bags_enqueued"`
	BagsDequeued   uint64 `json:"bags_dequeued"`
	SamplesEmitted uint64 `json:"samples_emitted"`
}

// EncodeControl marshals a control payload.
func EncodeControl(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("EncodeControl: %v", err))
	}
	return b
}

// DecodeControl unmarshals a control payload into v.
func DecodeControl(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decoding %T: %w", v, err)
	}
	return nil
}
