package pool

import (
	"container/list"
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

type lifecycleState int32

const (
	stateRunning lifecycleState = iota
	stateShuttingDown
	stateTerminated
)

// waiter is a single caller blocked in claim() because neither the
// idle set nor spare capacity could satisfy it immediately. resultCh
// is buffered so the goroutine handing a result off (release,
// invalidate, shutdown, eviction) never blocks on a waiter that has
// since walked away.
type waiter[T any] struct {
	resultCh chan claimResult[T]
}

type claimResult[T any] struct {
	handle *Handle[T]
	retry  bool
	err    error
}

// Pool is a bounded, concurrency-safe container of reusable instances
// of T. See the package doc comment for the concurrency model.
type Pool[T any] struct {
	id        uuid.UUID
	allocator Allocator[T]
	cfg       config[T]
	logger    zerolog.Logger

	mu      sync.Mutex
	state   lifecycleState
	idle    *list.List // of *Handle[T], LRU at Front, MRU at Back
	waiters *list.List // of *waiter[T], FIFO, head at Front

	allocated    int // currentlyAllocated, including reserved-but-not-yet-allocated slots
	claimedCount int

	totalAllocated atomic.Int64
	totalClaimed   atomic.Int64

	shutdownSignal chan struct{}
	shutdownFuture *ShutdownFuture
	evictorOnce    sync.Once
}

// NewPool builds a pool bounded at maxSize, using allocator for the
// resource lifecycle. maxSize must be at least 1.
func NewPool[T any](maxSize int, allocator Allocator[T], opts ...Option[T]) (*Pool[T], error) {
	if maxSize < 1 {
		return nil, stderrors.New("pool: maxPoolsize must be >= 1")
	}
	if allocator == nil {
		return nil, stderrors.New("pool: allocator must not be nil")
	}

	cfg := config[T]{
		maxSize:       maxSize,
		workerFactory: defaultWorkerFactory,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.coreSize < 0 || cfg.coreSize > maxSize {
		return nil, stderrors.New("pool: corePoolsize must be within [0, maxPoolsize]")
	}

	p := &Pool[T]{
		id:             uuid.New(),
		allocator:      allocator,
		cfg:            cfg,
		idle:           list.New(),
		waiters:        list.New(),
		state:          stateRunning,
		shutdownSignal: make(chan struct{}),
	}
	p.logger = cfg.logger.With().Str("pool_id", p.id.String()).Logger()

	if cfg.coreSize > 0 {
		cfg.workerFactory(p.ensureCore)
	}
	return p, nil
}

// ID identifies this pool instance, distinct across independently
// constructed pools even with identical configuration.
func (p *Pool[T]) ID() uuid.UUID {
	return p.id
}

// Claim blocks until a handle is available, the pool terminates, or
// ctx is done. A cancelled ctx surfaces as ErrInterrupted; a ctx that
// expires its own deadline while waiting surfaces as ErrClaimTimeout.
func (p *Pool[T]) Claim(ctx context.Context) (*Handle[T], error) {
	return p.claim(ctx)
}

// ClaimTimeout is Claim measured against a monotonic clock starting
// the instant the call enters the pool. On expiry it returns the
// ErrClaimTimeout sentinel rather than an exceptional error.
func (p *Pool[T]) ClaimTimeout(timeout time.Duration) (*Handle[T], error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return p.claim(ctx)
}

func (p *Pool[T]) claim(ctx context.Context) (*Handle[T], error) {
	for {
		p.mu.Lock()
		if p.state != stateRunning {
			p.mu.Unlock()
			return nil, ErrPoolNotRunning
		}

		if el := p.idle.Back(); el != nil {
			h := el.Value.(*Handle[T])
			p.idle.Remove(el)
			h.state = handleClaimed
			p.mu.Unlock()

			if h.claimCount > 0 {
				if err := p.allocator.AllocateForReuse(ctx, h.instance); err != nil {
					p.logger.Warn().Err(err).Int64("handle_id", h.id).Msg("activation failed, destroying handle")
					p.forceDestroy(h, false)
					continue
				}
			}
			p.finishClaim(h)
			return h, nil
		}

		if p.allocated < p.cfg.maxSize {
			p.allocated++
			p.mu.Unlock()

			instance, err := p.allocator.Allocate(ctx)
			if err != nil {
				p.mu.Lock()
				p.allocated--
				p.mu.Unlock()
				p.wakeOneForRetry()
				return nil, &AllocationError{Cause: pkgerrors.Wrap(err, "allocate")}
			}

			h := newHandle(p, instance)
			p.mu.Lock()
			h.state = handleClaimed
			h.lastClaimedAt = time.Now()
			h.claimCount = 1
			p.claimedCount++
			p.totalAllocated.Inc()
			p.totalClaimed.Inc()
			p.mu.Unlock()
			return h, nil
		}

		w := &waiter[T]{resultCh: make(chan claimResult[T], 1)}
		el := p.waiters.PushBack(w)
		p.mu.Unlock()

		select {
		case res := <-w.resultCh:
			h, retry, err := p.resolveWaiterResult(ctx, res)
			if err != nil {
				return nil, err
			}
			if retry {
				continue
			}
			return h, nil

		case <-ctx.Done():
			p.mu.Lock()
			before := p.waiters.Len()
			p.waiters.Remove(el)
			removed := p.waiters.Len() < before
			p.mu.Unlock()

			if !removed {
				// Whoever removed us from the queue has committed a
				// result for us and sends it right after releasing
				// the lock; the buffered send never blocks, so this
				// receive returns promptly.
				res := <-w.resultCh
				switch {
				case res.err != nil:
					// ignore; we report the cancellation below.
				case res.handle != nil:
					p.returnUndelivered(res.handle)
				case res.retry:
					p.wakeOneForRetry()
				}
			}

			if stderrors.Is(ctx.Err(), context.Canceled) {
				return nil, ErrInterrupted
			}
			return nil, ErrClaimTimeout
		}
	}
}

// resolveWaiterResult turns a delivered claimResult into either a
// ready handle, a retry instruction for the claim loop, or a terminal
// error.
func (p *Pool[T]) resolveWaiterResult(ctx context.Context, res claimResult[T]) (handle *Handle[T], retry bool, err error) {
	if res.err != nil {
		return nil, false, res.err
	}
	if res.retry {
		return nil, true, nil
	}
	h := res.handle
	if h.claimCount > 0 {
		if aerr := p.allocator.AllocateForReuse(ctx, h.instance); aerr != nil {
			p.logger.Warn().Err(aerr).Int64("handle_id", h.id).Msg("activation failed, destroying handle")
			p.forceDestroy(h, false)
			return nil, true, nil
		}
	}
	p.finishClaim(h)
	return h, false, nil
}

func (p *Pool[T]) finishClaim(h *Handle[T]) {
	p.mu.Lock()
	h.state = handleClaimed
	h.lastClaimedAt = time.Now()
	h.claimCount++
	p.claimedCount++
	p.totalClaimed.Inc()
	p.mu.Unlock()
}

// release returns a claimed handle to circulation: passivate it, then
// either hand it straight to the oldest waiter or park it idle. The
// handle moves through a transient RELEASING state for the duration of
// passivation so a second, concurrent Release of the same handle finds
// it already spoken for and becomes a no-op rather than passivating
// the instance twice.
func (p *Pool[T]) release(h *Handle[T]) error {
	if h.pool != p {
		return ErrForeignHandle
	}
	ctx := context.Background()

	p.mu.Lock()
	if h.state != handleClaimed {
		p.mu.Unlock()
		return nil
	}
	h.state = handleReleasing
	p.claimedCount--
	notRunning := p.state != stateRunning
	p.mu.Unlock()

	if notRunning {
		p.destroyReleasing(ctx, h)
		return nil
	}

	if err := p.allocator.DeallocateForReuse(ctx, h.instance); err != nil {
		p.logger.Warn().Err(err).Int64("handle_id", h.id).Msg("passivation failed, destroying handle")
		p.destroyReleasing(ctx, h)
		return nil
	}

	p.mu.Lock()
	if h.state != handleReleasing {
		// Invalidated, or the pool shut down, while this release was
		// passivating; whoever changed the state already tore the
		// handle down and freed its slot.
		p.mu.Unlock()
		return nil
	}
	if p.state != stateRunning {
		p.mu.Unlock()
		p.destroyReleasing(ctx, h)
		return nil
	}

	h.lastReleasedAt = time.Now()
	if el := p.waiters.Front(); el != nil {
		w := el.Value.(*waiter[T])
		p.waiters.Remove(el)
		h.state = handleClaimed
		p.mu.Unlock()
		w.resultCh <- claimResult[T]{handle: h}
		return nil
	}
	h.state = handleIdle
	p.idle.PushBack(h)
	p.mu.Unlock()
	p.maybeStartEvictor()
	return nil
}

// destroyReleasing tears down a handle a release() call already holds
// exclusive ownership of via the RELEASING state.
func (p *Pool[T]) destroyReleasing(ctx context.Context, h *Handle[T]) {
	p.mu.Lock()
	h.state = handleDestroyed
	p.allocated--
	p.mu.Unlock()
	p.destroyInstance(ctx, h)
	p.wakeOneForRetry()
	p.checkTerminated()
}

// invalidate tears a handle down instead of returning it to the idle
// set, freeing the slot it held.
func (p *Pool[T]) invalidate(h *Handle[T]) error {
	if h.pool != p {
		return ErrForeignHandle
	}
	p.mu.Lock()
	if h.state == handleDestroyed {
		p.mu.Unlock()
		return nil
	}
	wasClaimed := h.state == handleClaimed
	wasIdle := h.state == handleIdle
	h.state = handleDestroyed
	if wasClaimed {
		p.claimedCount--
	}
	p.allocated--
	p.mu.Unlock()

	if wasIdle {
		p.removeFromIdle(h)
	}

	p.destroyInstance(context.Background(), h)
	p.wakeOneForRetry()
	p.checkTerminated()
	return nil
}

func (p *Pool[T]) removeFromIdle(h *Handle[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeFromIdleLocked(h)
}

// removeFromIdleLocked requires p.mu to already be held by the caller.
func (p *Pool[T]) removeFromIdleLocked(h *Handle[T]) {
	for el := p.idle.Front(); el != nil; el = el.Next() {
		if el.Value.(*Handle[T]) == h {
			p.idle.Remove(el)
			return
		}
	}
}

// forceDestroy tears down a handle that failed activation mid-claim.
// wasClaimed records whether the handle had already been counted in
// claimedCount.
func (p *Pool[T]) forceDestroy(h *Handle[T], wasClaimed bool) {
	p.mu.Lock()
	if h.state == handleDestroyed {
		p.mu.Unlock()
		return
	}
	h.state = handleDestroyed
	p.allocated--
	if wasClaimed {
		p.claimedCount--
	}
	p.mu.Unlock()

	p.destroyInstance(context.Background(), h)
	p.wakeOneForRetry()
	p.checkTerminated()
}

// destroyInstance calls the allocator's deallocate hook. This failure
// (and any panic a misbehaving allocator raises) is logged and
// swallowed, never propagated and never allowed to abort the pool's
// own bookkeeping.
func (p *Pool[T]) destroyInstance(ctx context.Context, h *Handle[T]) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Int64("handle_id", h.id).Msg("deallocate panicked, swallowing")
		}
	}()
	if err := p.allocator.Deallocate(ctx, h.instance); err != nil {
		p.logger.Warn().Err(err).Int64("handle_id", h.id).Msg("deallocate failed, swallowing")
	}
}

// wakeOneForRetry signals the head waiter, if any, that a slot has
// freed up and it should retry the claim algorithm from its idle/
// allocate steps.
func (p *Pool[T]) wakeOneForRetry() {
	p.mu.Lock()
	el := p.waiters.Front()
	if el == nil {
		p.mu.Unlock()
		return
	}
	w := el.Value.(*waiter[T])
	p.waiters.Remove(el)
	p.mu.Unlock()
	w.resultCh <- claimResult[T]{retry: true}
}

// wakeAllNotRunning fails every currently queued waiter with
// ErrPoolNotRunning.
func (p *Pool[T]) wakeAllNotRunning() {
	p.mu.Lock()
	var woken []*waiter[T]
	for el := p.waiters.Front(); el != nil; el = p.waiters.Front() {
		woken = append(woken, el.Value.(*waiter[T]))
		p.waiters.Remove(el)
	}
	p.mu.Unlock()
	for _, w := range woken {
		w.resultCh <- claimResult[T]{err: ErrPoolNotRunning}
	}
}

func (p *Pool[T]) checkTerminated() {
	p.mu.Lock()
	if p.state != stateShuttingDown || p.allocated != 0 {
		p.mu.Unlock()
		return
	}
	p.state = stateTerminated
	fut := p.shutdownFuture
	p.mu.Unlock()
	if fut != nil {
		close(fut.done)
	}
}

// ensureCore tops the pool up toward its configured core size,
// allocating fresh instances and depositing them idle (or handing
// them straight to a waiter that was already queued).
func (p *Pool[T]) ensureCore() {
	for {
		p.mu.Lock()
		if p.state != stateRunning || p.allocated >= p.cfg.coreSize {
			p.mu.Unlock()
			return
		}
		p.allocated++
		p.mu.Unlock()

		instance, err := p.allocator.Allocate(context.Background())
		if err != nil {
			p.mu.Lock()
			p.allocated--
			p.mu.Unlock()
			p.logger.Warn().Err(err).Msg("core fill allocation failed, giving up for now")
			return
		}
		h := newHandle(p, instance)
		p.mu.Lock()
		p.totalAllocated.Inc()
		p.mu.Unlock()
		p.returnUndelivered(h)
	}
}

// returnUndelivered places a handle that nobody ended up claiming
// back into circulation: directly into the hands of an already-queued
// waiter, or into the idle set. It is used both for a freshly
// core-filled handle (claimCount == 0, so a receiving hand-off knows
// via Handle.claimCount to skip AllocateForReuse) and for a handle
// that was handed off to a waiter whose claim was cancelled before it
// could take delivery -- in both cases the handle's claimedCount
// bookkeeping was never incremented, so this path must not decrement
// it the way release() does.
func (p *Pool[T]) returnUndelivered(h *Handle[T]) {
	p.mu.Lock()
	if p.state != stateRunning {
		h.state = handleDestroyed
		p.allocated--
		p.mu.Unlock()
		p.destroyInstance(context.Background(), h)
		p.wakeOneForRetry()
		p.checkTerminated()
		return
	}
	if el := p.waiters.Front(); el != nil {
		w := el.Value.(*waiter[T])
		p.waiters.Remove(el)
		h.state = handleClaimed
		p.mu.Unlock()
		w.resultCh <- claimResult[T]{handle: h}
		return
	}
	h.state = handleIdle
	p.idle.PushBack(h)
	p.mu.Unlock()
	p.maybeStartEvictor()
}

// GetMetrics returns a consistent snapshot of the pool's counters.
func (p *Pool[T]) GetMetrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Metrics{
		CurrentlyClaimed:      p.claimedCount,
		CurrentlyWaitingCount: p.waiters.Len(),
		CorePoolsize:          p.cfg.coreSize,
		MaxPoolsize:           p.cfg.maxSize,
		CurrentlyAllocated:    p.allocated,
		TotalAllocated:        p.totalAllocated.Load(),
		TotalClaimed:          p.totalClaimed.Load(),
	}
}

// ReleasePoolableObject is equivalent to handle.Release() for a handle
// owned by this pool; a handle owned by another pool is rejected with
// ErrForeignHandle.
func (p *Pool[T]) ReleasePoolableObject(h *Handle[T]) error {
	return p.release(h)
}
