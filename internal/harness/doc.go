// Package harness runs scripted sync scenarios against real engines.
//
// A scenario drives one or more tabs (independent engines with their own
// local state and network link) that share one in-memory remote. Every step
// and every resulting status change is recorded in a trace, which tests
// compare against golden files. The docsync scenario command runs the same
// files from the command line.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: offline_then_reconnect
//	description: "A save made offline is queued and committed on reconnect"
//	tabs: [a]
//	config:
//	  queue:
//	    max_attempts: 5
//	steps:
//	  - do: save
//	    key: doc1
//	    content: { title: "v1" }
//	    expect: { outcome: committed, revision: 1 }
//	  - do: offline
//	  - do: save
//	    key: doc1
//	    known_revision: 1
//	    content: { title: "v2" }
//	    expect: { outcome: queued }
//	  - do: online
//	  - do: drain
//	    expect: { outcome: ok, drained: 1 }
//	assertions:
//	  - type: final_state
//	    table: status
//	    where: { key: doc1 }
//	    expect: { state: synced, revision: 2 }
//
// # Step Kinds
//
//   - save: commit content for key from a tab
//   - load: read key from a tab
//   - offline, online: cut or restore a tab's network link
//   - drain: drain a tab's offline queue
//   - advance: move the shared clock forward by duration
//   - fail_remote: make the next count remote calls of op fail
//   - remote_write: commit content for key as another client would
//   - resolve: settle the pending conflict on key with choice
//     (keep-local, keep-remote, manual or abandon)
//
// # Assertion Types
//
//   - trace_contains: an event with the action and matching args exists
//   - trace_order: actions appear in the given order
//   - trace_count: an action appears exactly count times
//   - final_state: a record in status, queue, dead_letters, conflicts or
//     remote matches expect
//
// # Deterministic Testing
//
// Every scenario runs with a manual clock starting at testutil.Epoch,
// per-tab sequential IDs and in-memory stores, so traces are identical
// across runs.
package harness
