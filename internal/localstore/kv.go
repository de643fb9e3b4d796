package localstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("localstore: not found")

// QuotaError is returned when a write would exceed the configured byte quota.
type QuotaError struct {
	Key   string
	Need  int64
	Limit int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("localstore: storing %q needs %d bytes, quota is %d", e.Key, e.Need, e.Limit)
}

// CapacityExceeded marks the error as a capacity failure for classification.
func (e *QuotaError) CapacityExceeded() bool { return true }

// ErrFull matches any *QuotaError with errors.Is.
var ErrFull = &QuotaError{}

// Is reports whether target is ErrFull.
func (e *QuotaError) Is(target error) bool { return target == ErrFull }

// Entry is one stored key/value pair.
type Entry struct {
	Key   string
	Value []byte
}

// KV is a simple get/set/remove store with prefix listing.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	// List returns every entry whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
}

// Memory is an in-process KV.
type Memory struct {
	mu       sync.RWMutex
	data     map[string][]byte
	size     int64
	maxBytes int64
}

// NewMemory creates an empty store. maxBytes <= 0 means unlimited.
func NewMemory(maxBytes int64) *Memory {
	return &Memory{data: make(map[string][]byte), maxBytes: maxBytes}
}

// Get implements KV.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	return append([]byte(nil), v...), nil
}

// Set implements KV.
func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, had := m.data[key]
	next := m.size + entrySize(key, value)
	if had {
		next -= entrySize(key, old)
	}
	if m.maxBytes > 0 && next > m.maxBytes {
		return &QuotaError{Key: key, Need: next, Limit: m.maxBytes}
	}
	m.data[key] = append([]byte(nil), value...)
	m.size = next
	return nil
}

// Remove implements KV. Removing a missing key is not an error.
func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.data[key]; ok {
		m.size -= entrySize(key, old)
		delete(m.data, key)
	}
	return nil
}

// List implements KV.
func (m *Memory) List(_ context.Context, prefix string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, Entry{Key: k, Value: append([]byte(nil), v...)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Size returns the total stored bytes (keys plus values).
func (m *Memory) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

func entrySize(key string, value []byte) int64 {
	return int64(len(key) + len(value))
}
