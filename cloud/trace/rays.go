package trace

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/treelet-sim/treelet-sim/cloud"
)

// WriteRays stores rays as a ray-bag list, at most perBag continuations per
// bag, each bag keyed by the treelet of its first ray.
func WriteRays(w io.Writer, rays []*cloud.RayState, perBag int) error {
	if perBag < 1 {
		return fmt.Errorf("rays per bag must be >= 1, got %d", perBag)
	}
	var bags []*cloud.RayBag
	for i, rs := range rays {
		if i%perBag == 0 {
			bags = append(bags, cloud.NewRayBag(rs.CurrentTreelet(), uint64(len(bags))))
		}
		bags[len(bags)-1].Add(rs)
	}
	_, err := w.Write(cloud.EncodeRayBags(bags))
	return err
}

// ReadRays is the inverse of WriteRays. Rays that fail to decode are
// skipped with a warning.
func ReadRays(r io.Reader) ([]*cloud.RayState, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading rays: %w", err)
	}
	bags, err := cloud.DecodeRayBags(buf)
	if err != nil {
		return nil, err
	}
	var rays []*cloud.RayState
	for _, b := range bags {
		for i, blob := range b.Rays {
			rs := cloud.NewRayState()
			if err := rs.Deserialize(blob); err != nil {
				logrus.Warnf("replay: bag %d ray %d: %v", b.BagID, i, err)
				continue
			}
			rays = append(rays, rs)
		}
	}
	return rays, nil
}
