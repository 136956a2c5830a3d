package pool

import (
	"sync/atomic"
	"time"
)

// handleState tracks where a Handle sits in its lifecycle:
// ALLOCATING -> IDLE <-> CLAIMED -> RELEASING -> IDLE, or any of
// ALLOCATING/IDLE/CLAIMED/RELEASING -> DESTROYED (terminal). RELEASING
// marks a handle that one goroutine has already claimed exclusive
// ownership of in order to run passivation; it exists so a second,
// concurrent Release of the same handle sees a state other than
// CLAIMED and becomes a no-op instead of passivating the instance a
// second time.
type handleState int32

const (
	handleAllocating handleState = iota
	handleIdle
	handleClaimed
	handleReleasing
	handleDestroyed
)

var nextHandleID int64

// Handle wraps one live instance together with its pool-owned metadata.
// It is opaque to clients beyond Get, Release and Invalidate; state
// transitions are mediated exclusively by the Pool that owns it.
type Handle[T any] struct {
	pool *Pool[T]
	id   int64

	instance T

	createdAt      time.Time
	lastClaimedAt  time.Time
	lastReleasedAt time.Time
	claimCount     int64

	// state is only ever read or written while pool.mu is held.
	state handleState
}

func newHandle[T any](p *Pool[T], instance T) *Handle[T] {
	return &Handle[T]{
		pool:      p,
		id:        atomic.AddInt64(&nextHandleID, 1),
		instance:  instance,
		createdAt: time.Now(),
		state:     handleAllocating,
	}
}

// Get returns the underlying instance wrapped by this handle. It is
// only meaningful while the handle is claimed; the pool guarantees at
// most one concurrent claimer per handle, never concurrent use of the
// instance by two goroutines through two different handles.
func (h *Handle[T]) Get() T {
	return h.instance
}

// Release returns the handle to the pool that owns it. It is
// idempotent: a second Release of the same handle is a no-op. An
// Invalidate after a Release is not: it destroys the handle if it is
// sitting idle. The caller must not touch the handle after calling
// Release.
func (h *Handle[T]) Release() error {
	if h.pool == nil {
		return nil
	}
	return h.pool.release(h)
}

// Invalidate destroys the handle instead of returning it to the idle
// set. Like Release it is idempotent and safe to call from any
// goroutine, though typically only the claimer does.
func (h *Handle[T]) Invalidate() error {
	if h.pool == nil {
		return nil
	}
	return h.pool.invalidate(h)
}

// Metadata is a read-only snapshot of a handle's bookkeeping fields,
// handed to an ExpirationPolicy. Implementations must treat it as a
// pure value: the pool takes the snapshot under its own lock before
// calling the policy, so mutating it has no effect.
type Metadata struct {
	ID             int64
	CreatedAt      time.Time
	LastClaimedAt  time.Time
	LastReleasedAt time.Time
	ClaimCount     int64
}

func (h *Handle[T]) metadata() Metadata {
	return Metadata{
		ID:             h.id,
		CreatedAt:      h.createdAt,
		LastClaimedAt:  h.lastClaimedAt,
		LastReleasedAt: h.lastReleasedAt,
		ClaimCount:     h.claimCount,
	}
}
