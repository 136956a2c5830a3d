package pool

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Allocator supplies the lifecycle callbacks for the underlying
// resource a Pool manages. Allocate is required; the other three are
// optional hooks and may be left as no-ops by embedding
// NopAllocator[T].
type Allocator[T any] interface {
	// Allocate returns a fully-initialized, ready-to-use instance. It
	// is called on first hand-out of a handle and for eager core fill.
	Allocate(ctx context.Context) (T, error)

	// AllocateForReuse brings an idle instance back to active use. It
	// runs on the claiming goroutine, immediately before hand-out, for
	// every claim after the instance's first.
	AllocateForReuse(ctx context.Context, instance T) error

	// DeallocateForReuse parks an instance for idle storage, run
	// immediately after Release and before the handle re-enters the
	// idle set.
	DeallocateForReuse(ctx context.Context, instance T) error

	// Deallocate releases the underlying resource on Invalidate,
	// expiry or shutdown. Any error it returns is logged, never
	// propagated to a caller, and never aborts the pool's bookkeeping.
	Deallocate(ctx context.Context, instance T) error
}

// NopAllocator is embedded by Allocator implementations that only need
// to override a subset of the four hooks.
type NopAllocator[T any] struct{}

func (NopAllocator[T]) AllocateForReuse(context.Context, T) error   { return nil }
func (NopAllocator[T]) DeallocateForReuse(context.Context, T) error { return nil }
func (NopAllocator[T]) Deallocate(context.Context, T) error         { return nil }

// ExpirationPolicy decides whether an idle handle should be evicted.
// Implementations must be pure functions of their inputs; ShouldEvict
// runs under the pool's serialization discipline applied to a
// snapshot, so side effects have no well-defined ordering with
// concurrent pool operations.
type ExpirationPolicy interface {
	// ShouldEvict reports whether the handle described by meta should
	// be destroyed, given the current time.
	ShouldEvict(meta Metadata, now time.Time) bool

	// NextCheckDelay is the interval the eviction worker sleeps
	// between sweeps.
	NextCheckDelay() time.Duration
}

// idleTimeoutPolicy is the canonical built-in policy: evict when
// now - lastClaimedAt > timeout.
type idleTimeoutPolicy struct {
	timeout    time.Duration
	checkEvery time.Duration
}

// NewIdleTimeoutPolicy builds an ExpirationPolicy that evicts handles
// that have not been claimed for longer than timeout, checking at
// checkEvery intervals. A non-positive checkEvery falls back to 1s.
func NewIdleTimeoutPolicy(timeout, checkEvery time.Duration) ExpirationPolicy {
	if checkEvery <= 0 {
		checkEvery = time.Second
	}
	return &idleTimeoutPolicy{timeout: timeout, checkEvery: checkEvery}
}

func (p *idleTimeoutPolicy) ShouldEvict(meta Metadata, now time.Time) bool {
	last := meta.LastClaimedAt
	if last.IsZero() {
		last = meta.CreatedAt
	}
	return now.Sub(last) > p.timeout
}

func (p *idleTimeoutPolicy) NextCheckDelay() time.Duration {
	return p.checkEvery
}

// WorkerFactory constructs the background goroutines used for eviction
// sweeps and for the construction-time core fill; shutdown starts no
// goroutine of its own. It defaults to a bare `go fn()`; a
// caller that needs its own goroutine accounting (a worker pool,
// panic-recovery middleware, metrics tag, ...) supplies its own.
type WorkerFactory func(fn func())

func defaultWorkerFactory(fn func()) {
	go fn()
}

// config holds validated construction options for a Pool. It is built
// up by Option values before NewPool embeds it into the pool.
type config[T any] struct {
	maxSize  int
	coreSize int

	policy        ExpirationPolicy
	workerFactory WorkerFactory
	logger        zerolog.Logger
}

// Option configures a Pool at construction time.
type Option[T any] func(*config[T])

// WithCoreSize sets the minimum number of allocated instances the pool
// tries to maintain while RUNNING. Default 0.
func WithCoreSize[T any](n int) Option[T] {
	return func(c *config[T]) { c.coreSize = n }
}

// WithExpirationPolicy attaches an eviction policy. Without one, the
// pool never starts an eviction worker and idle handles live until
// invalidated or the pool shuts down.
func WithExpirationPolicy[T any](p ExpirationPolicy) Option[T] {
	return func(c *config[T]) { c.policy = p }
}

// WithWorkerFactory overrides how the eviction and core-fill
// goroutines are started.
func WithWorkerFactory[T any](f WorkerFactory) Option[T] {
	return func(c *config[T]) { c.workerFactory = f }
}

// WithLogger attaches a structured logger used to report callback
// failures that must never propagate to a caller (passivation,
// destruction, and eviction-policy failures). Without one, the pool
// logs nothing.
func WithLogger[T any](l zerolog.Logger) Option[T] {
	return func(c *config[T]) { c.logger = l }
}
