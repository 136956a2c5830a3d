package pool_test

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/relaypool/pool"
)

// resource is the generic dummy payload exercised across the test
// suite, mirroring the Pool[R] usage pattern a real caller would have.
type resource struct {
	id int
}

// countingAllocator records how many times each lifecycle hook fires
// and can be told to fail any one of them on demand.
type countingAllocator struct {
	mu sync.Mutex

	nextID int

	allocateCalls           int64
	allocateForReuseCalls   int64
	deallocateForReuseCalls int64
	deallocateCalls         int64

	failAllocate           error
	failAllocateForReuse   error
	failDeallocateForReuse error
	failDeallocate         error
}

func (a *countingAllocator) Allocate(ctx context.Context) (*resource, error) {
	atomic.AddInt64(&a.allocateCalls, 1)
	if a.failAllocate != nil {
		return nil, a.failAllocate
	}
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.mu.Unlock()
	return &resource{id: id}, nil
}

func (a *countingAllocator) AllocateForReuse(ctx context.Context, r *resource) error {
	atomic.AddInt64(&a.allocateForReuseCalls, 1)
	return a.failAllocateForReuse
}

func (a *countingAllocator) DeallocateForReuse(ctx context.Context, r *resource) error {
	atomic.AddInt64(&a.deallocateForReuseCalls, 1)
	return a.failDeallocateForReuse
}

func (a *countingAllocator) Deallocate(ctx context.Context, r *resource) error {
	atomic.AddInt64(&a.deallocateCalls, 1)
	return a.failDeallocate
}

func (a *countingAllocator) counts() (allocate, allocateForReuse, deallocateForReuse, deallocate int64) {
	return atomic.LoadInt64(&a.allocateCalls),
		atomic.LoadInt64(&a.allocateForReuseCalls),
		atomic.LoadInt64(&a.deallocateForReuseCalls),
		atomic.LoadInt64(&a.deallocateCalls)
}

var _ pool.Allocator[*resource] = (*countingAllocator)(nil)
