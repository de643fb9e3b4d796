// Package lock provides per-key mutual exclusion.
//
// Registry serializes work on the same key while different keys proceed fully
// in parallel. Waiters on a key are served strictly FIFO. Per-key state exists
// only while the key is held or contended and is dropped on the last release.
//
// Acquisition never fails on its own. Callers needing bounded waiting use
// AcquireContext, which gives up when its context ends without disturbing the
// order of the remaining waiters.
package lock

import (
	"context"
	"sync"
)

// Registry hands out per-key exclusive locks.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// keyLock is the transient state for one contended key.
type keyLock struct {
	held    bool
	waiters []chan struct{} // FIFO; closed when ownership is handed over
}

// Handle represents ownership of a key. Release is idempotent.
type Handle struct {
	r    *Registry
	key  string
	once sync.Once
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*keyLock)}
}

// Acquire blocks until key is owned by the caller.
func (r *Registry) Acquire(key string) *Handle {
	h, _ := r.AcquireContext(context.Background(), key)
	return h
}

// AcquireContext blocks until key is owned or ctx ends.
// On ctx end the caller is removed from the wait queue and ctx.Err() is returned.
func (r *Registry) AcquireContext(ctx context.Context, key string) (*Handle, error) {
	r.mu.Lock()
	kl, ok := r.locks[key]
	if !ok {
		kl = &keyLock{}
		r.locks[key] = kl
	}
	if !kl.held {
		kl.held = true
		r.mu.Unlock()
		return &Handle{r: r, key: key}, nil
	}
	ready := make(chan struct{})
	kl.waiters = append(kl.waiters, ready)
	r.mu.Unlock()

	select {
	case <-ready:
		return &Handle{r: r, key: key}, nil
	case <-ctx.Done():
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, w := range kl.waiters {
			if w == ready {
				kl.waiters = append(kl.waiters[:i], kl.waiters[i+1:]...)
				return nil, ctx.Err()
			}
		}
		// Ownership was handed over concurrently with cancellation; pass it on.
		r.handOff(key, kl)
		return nil, ctx.Err()
	}
}

// Do runs fn while holding key. The lock is released on every exit path,
// including panics.
func (r *Registry) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	h, err := r.AcquireContext(ctx, key)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(ctx)
}

// Release gives up ownership. Safe to call more than once.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.r.mu.Lock()
		defer h.r.mu.Unlock()
		if kl, ok := h.r.locks[h.key]; ok {
			h.r.handOff(h.key, kl)
		}
	})
}

// Key returns the locked key.
func (h *Handle) Key() string {
	return h.key
}

// handOff passes ownership to the next waiter or drops the key state.
// Caller holds r.mu.
func (r *Registry) handOff(key string, kl *keyLock) {
	if len(kl.waiters) == 0 {
		kl.held = false
		delete(r.locks, key)
		return
	}
	next := kl.waiters[0]
	kl.waiters[0] = nil
	kl.waiters = kl.waiters[1:]
	close(next)
}

// Depth returns the number of callers waiting on key, excluding the holder.
// Sustained non-zero depth indicates indefinite contention.
func (r *Registry) Depth(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kl, ok := r.locks[key]; ok {
		return len(kl.waiters)
	}
	return 0
}

// Held reports whether key is currently owned.
func (r *Registry) Held(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	kl, ok := r.locks[key]
	return ok && kl.held
}

// Stats returns the wait-queue depth of every contended key.
func (r *Registry) Stats() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.locks))
	for k, kl := range r.locks {
		out[k] = len(kl.waiters)
	}
	return out
}
