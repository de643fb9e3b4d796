// Package conflict detects and resolves revision conflicts.
//
// A conflict exists when the remote has moved past the revision a write was
// based on. Resolution is attempted in order:
//
//  1. Structural auto-merge. When the top-level fields changed locally and the
//     fields changed remotely are disjoint, the local changes are applied onto
//     the remote content and the commit is re-attempted optimistically.
//  2. User resolution. Overlapping changes are persisted as a pending Conflict
//     with a per-field diff summary and wait for an explicit Choice.
//
// Merge granularity is top-level fields only. Nested objects are compared
// whole, so edits to different nested keys of the same field overlap.
package conflict

import (
	"sort"

	"github.com/roach88/docsync/internal/doc"
)

// Analysis is the three-way comparison of one conflict.
type Analysis struct {
	// LocalChanged lists fields changed by the local edit relative to base.
	LocalChanged []string
	// RemoteChanged lists fields changed remotely relative to base.
	RemoteChanged []string
	// Overlap lists fields changed on both sides to different values.
	Overlap []string
	// BaseKnown is false when no common ancestor was available.
	BaseKnown bool
}

// Disjoint reports whether the edits can be merged without user input.
func (a Analysis) Disjoint() bool {
	return len(a.Overlap) == 0
}

// ChangedFields returns the sorted top-level fields that differ between from and to.
func ChangedFields(from, to doc.Content) []string {
	seen := make(map[string]bool, len(from)+len(to))
	var out []string
	for _, c := range []doc.Content{from, to} {
		for f := range c {
			if seen[f] {
				continue
			}
			seen[f] = true
			if !doc.FieldEqual(from, to, f) {
				out = append(out, f)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Analyze compares local and remote against their common ancestor base.
//
// With a nil base every field where local and remote differ counts as changed
// on both sides, which forces user resolution. Fields changed on both sides to
// the same value are convergent and do not overlap.
func Analyze(base, local, remote doc.Content) Analysis {
	if base == nil {
		differ := ChangedFields(local, remote)
		return Analysis{
			LocalChanged:  differ,
			RemoteChanged: differ,
			Overlap:       differ,
		}
	}

	a := Analysis{
		LocalChanged:  ChangedFields(base, local),
		RemoteChanged: ChangedFields(base, remote),
		BaseKnown:     true,
	}
	remoteSet := make(map[string]bool, len(a.RemoteChanged))
	for _, f := range a.RemoteChanged {
		remoteSet[f] = true
	}
	for _, f := range a.LocalChanged {
		if remoteSet[f] && !doc.FieldEqual(local, remote, f) {
			a.Overlap = append(a.Overlap, f)
		}
	}
	return a
}

// Merge applies the local changes onto remote. Only meaningful when
// Analyze reported a disjoint result; removed fields are removed.
func Merge(a Analysis, local, remote doc.Content) doc.Content {
	merged := remote.Clone()
	for _, f := range a.LocalChanged {
		if v, ok := local[f]; ok {
			merged[f] = v
		} else {
			delete(merged, f)
		}
	}
	return merged
}
