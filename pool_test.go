package pool_test

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/relaypool/pool"
)

func TestPool(t *testing.T) {
	t.Parallel()

	t.Run("fresh claim on an empty pool calls Allocate", func(t *testing.T) {
		t.Parallel()
		alloc := &countingAllocator{}
		p, err := pool.NewPool[*resource](1, alloc)
		require.NoError(t, err)

		h, err := p.Claim(context.Background())
		require.NoError(t, err)
		require.NotNil(t, h.Get())

		allocateCalls, _, _, _ := alloc.counts()
		require.Equal(t, int64(1), allocateCalls)
	})

	t.Run("released handle is reused without calling Allocate again", func(t *testing.T) {
		t.Parallel()
		alloc := &countingAllocator{}
		p, err := pool.NewPool[*resource](1, alloc)
		require.NoError(t, err)

		h1, err := p.Claim(context.Background())
		require.NoError(t, err)
		want := h1.Get()
		require.NoError(t, h1.Release())

		h2, err := p.Claim(context.Background())
		require.NoError(t, err)
		require.Same(t, want, h2.Get())

		allocateCalls, allocateForReuse, _, _ := alloc.counts()
		require.Equal(t, int64(1), allocateCalls)
		require.Equal(t, int64(1), allocateForReuse)
	})

	t.Run("single capacity pool times out a blocked claim", func(t *testing.T) {
		t.Parallel()
		alloc := &countingAllocator{}
		p, err := pool.NewPool[*resource](1, alloc)
		require.NoError(t, err)

		h1, err := p.Claim(context.Background())
		require.NoError(t, err)

		start := time.Now()
		_, err = p.ClaimTimeout(500 * time.Millisecond)
		elapsed := time.Since(start)

		require.ErrorIs(t, err, pool.ErrClaimTimeout)
		require.GreaterOrEqual(t, elapsed, 500*time.Millisecond)
		require.Less(t, elapsed, time.Second)

		require.Equal(t, 0, p.GetMetrics().CurrentlyWaitingCount)
		require.NoError(t, h1.Release())
	})

	t.Run("earlier waiter is served before a later one", func(t *testing.T) {
		t.Parallel()
		alloc := &countingAllocator{}
		p, err := pool.NewPool[*resource](1, alloc)
		require.NoError(t, err)

		h1, err := p.Claim(context.Background())
		require.NoError(t, err)

		order := make(chan string, 2)
		t2Ready := make(chan struct{})
		go func() {
			close(t2Ready)
			h, err := p.Claim(context.Background())
			if err == nil {
				order <- "t2"
				_ = h.Release()
			}
		}()
		<-t2Ready
		// Give T2 a head start queuing before T3 arrives.
		time.Sleep(50 * time.Millisecond)

		go func() {
			h, err := p.Claim(context.Background())
			if err == nil {
				order <- "t3"
				_ = h.Release()
			}
		}()
		time.Sleep(50 * time.Millisecond)

		require.NoError(t, h1.Release())

		first := <-order
		second := <-order
		require.Equal(t, "t2", first)
		require.Equal(t, "t3", second)
	})

	t.Run("lifecycle counts across claim/release/claim/invalidate", func(t *testing.T) {
		t.Parallel()
		alloc := &countingAllocator{}
		p, err := pool.NewPool[*resource](1, alloc)
		require.NoError(t, err)

		run := func() {
			h, err := p.Claim(context.Background())
			require.NoError(t, err)
			require.NoError(t, h.Release())

			h2, err := p.Claim(context.Background())
			require.NoError(t, err)
			require.NoError(t, h2.Invalidate())
		}

		run()
		a, r, d, x := alloc.counts()
		require.Equal(t, int64(1), a)
		require.Equal(t, int64(1), r)
		require.Equal(t, int64(1), d)
		require.Equal(t, int64(1), x)
		require.Equal(t, 0, p.GetMetrics().CurrentlyAllocated)

		run()
		a, r, d, x = alloc.counts()
		require.Equal(t, int64(2), a)
		require.Equal(t, int64(2), r)
		require.Equal(t, int64(2), d)
		require.Equal(t, int64(2), x)
		require.Equal(t, 0, p.GetMetrics().CurrentlyAllocated)
	})

	t.Run("destruction failure does not leak a slot", func(t *testing.T) {
		t.Parallel()
		alloc := &countingAllocator{failDeallocate: stderrors.New("boom")}
		p, err := pool.NewPool[*resource](1, alloc)
		require.NoError(t, err)

		h, err := p.Claim(context.Background())
		require.NoError(t, err)
		require.NoError(t, h.Invalidate())

		require.Equal(t, 0, p.GetMetrics().CurrentlyAllocated)

		// The slot was not leaked: a further claim still succeeds.
		h2, err := p.Claim(context.Background())
		require.NoError(t, err)
		require.NoError(t, h2.Release())
	})

	t.Run("shutdown rejects new claims and is idempotent", func(t *testing.T) {
		t.Parallel()
		defer leaktest.Check(t)()

		alloc := &countingAllocator{}
		p, err := pool.NewPool[*resource](1, alloc)
		require.NoError(t, err)

		h, err := p.Claim(context.Background())
		require.NoError(t, err)
		require.NoError(t, h.Release())

		fut1 := p.Shutdown()
		require.NoError(t, fut1.Wait(context.Background()))

		_, err = p.Claim(context.Background())
		require.ErrorIs(t, err, pool.ErrPoolNotRunning)

		fut2 := p.Shutdown()
		require.Same(t, fut1, fut2)
	})

	t.Run("independent pools don't share metrics", func(t *testing.T) {
		t.Parallel()
		allocA := &countingAllocator{}
		allocB := &countingAllocator{}
		pA, err := pool.NewPool[*resource](2, allocA)
		require.NoError(t, err)
		pB, err := pool.NewPool[*resource](2, allocB)
		require.NoError(t, err)

		hA, err := pA.Claim(context.Background())
		require.NoError(t, err)
		defer hA.Release()

		_, err = pA.Claim(context.Background())
		require.NoError(t, err)

		metricsB := pB.GetMetrics()
		require.Equal(t, 0, metricsB.CurrentlyClaimed)
		require.Equal(t, 0, metricsB.CurrentlyWaitingCount)
		require.Equal(t, int64(0), metricsB.TotalAllocated)
		require.Equal(t, int64(0), metricsB.TotalClaimed)
		require.NotEqual(t, pA.ID(), pB.ID())
	})

	t.Run("claim with a cancelled context reports Interrupted", func(t *testing.T) {
		t.Parallel()
		alloc := &countingAllocator{}
		p, err := pool.NewPool[*resource](1, alloc)
		require.NoError(t, err)

		h, err := p.Claim(context.Background())
		require.NoError(t, err)
		defer h.Release()

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()
		_, err = p.Claim(ctx)
		require.ErrorIs(t, err, pool.ErrInterrupted)
	})

	t.Run("allocation failure surfaces AllocationError and frees the reservation", func(t *testing.T) {
		t.Parallel()
		alloc := &countingAllocator{failAllocate: stderrors.New("dial refused")}
		p, err := pool.NewPool[*resource](1, alloc)
		require.NoError(t, err)

		_, err = p.Claim(context.Background())
		var aerr *pool.AllocationError
		require.ErrorAs(t, err, &aerr)
		require.Equal(t, 0, p.GetMetrics().CurrentlyAllocated)
	})

	t.Run("core size is pre-filled asynchronously", func(t *testing.T) {
		t.Parallel()
		alloc := &countingAllocator{}
		p, err := pool.NewPool[*resource](4, alloc, pool.WithCoreSize[*resource](2))
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return p.GetMetrics().CurrentlyAllocated == 2
		}, time.Second, 10*time.Millisecond)

		h, err := p.Claim(context.Background())
		require.NoError(t, err)
		require.NoError(t, h.Release())

		allocateCalls, allocateForReuse, _, _ := alloc.counts()
		require.Equal(t, int64(2), allocateCalls)
		require.Equal(t, int64(0), allocateForReuse, "a core-filled handle's first hand-out must not call AllocateForReuse")
	})
}
