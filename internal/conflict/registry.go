package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/roach88/docsync/internal/localstore"
)

const prefixPending = "conflict/"

// ErrNotFound is returned for an unknown conflict ID.
var ErrNotFound = errors.New("conflict: not found")

// Conflict is a pending conflict awaiting an explicit user choice.
// It is persisted locally so it survives restarts.
type Conflict struct {
	ID             string          `json:"id"`
	Key            string          `json:"key"`
	KnownRevision  uint64          `json:"known_revision"`
	RemoteRevision uint64          `json:"remote_revision"`
	Local          json.RawMessage `json:"local"`
	Remote         json.RawMessage `json:"remote"`
	Base           json.RawMessage `json:"base,omitempty"`
	Fields         []string        `json:"fields"`
	Diff           []FieldDiff     `json:"diff"`
	DetectedAt     time.Time       `json:"detected_at"`
}

// Registry persists pending conflicts in the local KV, at most one per key.
type Registry struct {
	kv localstore.KV
}

// NewRegistry creates a registry over kv.
func NewRegistry(kv localstore.KV) *Registry {
	return &Registry{kv: kv}
}

// Put stores c, replacing any other pending conflict for the same key.
// Returns the ID of the replaced conflict, if any.
func (r *Registry) Put(ctx context.Context, c Conflict) (replaced string, err error) {
	prev, err := r.ForKey(ctx, c.Key)
	switch {
	case err == nil && prev.ID != c.ID:
		if err := r.kv.Remove(ctx, prefixPending+prev.ID); err != nil {
			return "", fmt.Errorf("conflict %s: remove superseded %s: %w", c.Key, prev.ID, err)
		}
		replaced = prev.ID
	case err != nil && !errors.Is(err, ErrNotFound):
		return "", err
	}

	value, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("conflict %s: encode: %w", c.ID, err)
	}
	if err := r.kv.Set(ctx, prefixPending+c.ID, value); err != nil {
		return "", fmt.Errorf("conflict %s: store: %w", c.ID, err)
	}
	return replaced, nil
}

// Get returns the pending conflict with id.
func (r *Registry) Get(ctx context.Context, id string) (Conflict, error) {
	value, err := r.kv.Get(ctx, prefixPending+id)
	if errors.Is(err, localstore.ErrNotFound) {
		return Conflict{}, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Conflict{}, fmt.Errorf("conflict %s: %w", id, err)
	}
	var c Conflict
	if err := json.Unmarshal(value, &c); err != nil {
		return Conflict{}, fmt.Errorf("conflict %s: decode: %w", id, err)
	}
	return c, nil
}

// ForKey returns the pending conflict for a document key.
func (r *Registry) ForKey(ctx context.Context, key string) (Conflict, error) {
	all, err := r.List(ctx)
	if err != nil {
		return Conflict{}, err
	}
	for _, c := range all {
		if c.Key == key {
			return c, nil
		}
	}
	return Conflict{}, fmt.Errorf("conflict for %s: %w", key, ErrNotFound)
}

// List returns every pending conflict ordered by detection time.
func (r *Registry) List(ctx context.Context) ([]Conflict, error) {
	entries, err := r.kv.List(ctx, prefixPending)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	out := make([]Conflict, 0, len(entries))
	for _, e := range entries {
		var c Conflict
		if err := json.Unmarshal(e.Value, &c); err != nil {
			return nil, fmt.Errorf("list conflicts: decode %s: %w", e.Key, err)
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Remove deletes a pending conflict. Unknown IDs are ignored.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := r.kv.Remove(ctx, prefixPending+id); err != nil {
		return fmt.Errorf("conflict %s: remove: %w", id, err)
	}
	return nil
}
