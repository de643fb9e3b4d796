// Package localstore provides the local persistent key-value storage used for
// durability by the offline queue, the status manager, the conflict registry
// and the snapshot cache.
//
// Two implementations are provided:
//   - SQLite: file-backed, survives process restarts
//   - Memory: process-local, used by tests and the scenario harness
//
// Both honour an optional byte quota. A write that would push the total stored
// size over the quota fails with ErrFull rather than evicting anything.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package localstore
