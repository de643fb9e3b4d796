// Package engine wires the sync components into one client-side service.
//
// DATA FLOW:
//
// A write acquires the per-key lock, checks the key for a pending conflict,
// and runs the commit protocol against the remote. Then, in order:
//  1. On success the status becomes synced and a local snapshot is stored.
//  2. On a transient failure the write is handed to the offline queue.
//  3. On an overlapping concurrent edit the resolver opens a pending conflict.
//  4. Anything else is a non-recoverable error on the key's status.
//
// Queued writes are drained on reconnect, on a periodic timer, on request,
// and on shutdown (Flush). Every drained write takes the same per-key lock
// as a foreground write, so the two never race.
//
// Status updates for queued writes arrive as queue events. The engine applies
// buffered events before every direct status change on a key, while holding
// that key's lock, so transitions for one key are applied in order.
//
// OWNERSHIP:
//
// The engine constructs and owns every component. Nothing is a package-level
// singleton; tests substitute the remote, the local KV, the clock, the ID
// generator, the presence signal and the telemetry sink.
package engine
