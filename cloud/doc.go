// Package cloud provides the core types for distributed treelet ray tracing.
//
// # Reading Guide
//
// Start with these files to understand how a ray moves through the system:
//   - raystate.go: RayState, the serializable continuation carried between
//     workers, and its bounded pending-visit stack
//   - raystate_codec.go: the fixed little-endian layout of a RayState
//   - raybag.go: RayBag, the batch of serialized continuations addressed to
//     one treelet, which is the unit of transfer and queue occupancy
//
// # Architecture
//
// The cloud package defines value types only; behavior lives in sub-packages:
//   - cloud/geom/: vectors, bounds, rays, transforms, triangle intersection
//   - cloud/bvh/: CloudBVH, the lazily loaded treelet-partitioned BVH
//   - cloud/storage/: scene object storage (directory and bbolt backends)
//   - cloud/wire/: message framing and the streaming parser
//   - cloud/worker/: the trace/shade continuation state machine
//   - cloud/sched/: ray-bag queues, admission control and work assignment
//   - cloud/coordinator/: the TCP coordinator that drives the scheduler
//   - cloud/netsim/: a discrete-event simulator of the distributed run
//   - cloud/render/: camera, sampler, lights, film and shading
//   - cloud/trace/: per-path execution traces written by the replay driver
//
// A RayState is owned by exactly one place at a time: a worker's local queue,
// a ray bag on the wire, or a single traversal call. Nothing in this package
// is safe for concurrent use.
package cloud
