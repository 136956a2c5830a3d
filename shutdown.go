package pool

import "context"

// ShutdownFuture completes once a Pool has fully drained and reached
// the TERMINATED state.
type ShutdownFuture struct {
	done chan struct{}
}

// Done returns a channel closed when the pool has terminated.
func (f *ShutdownFuture) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the pool terminates or ctx is done, whichever
// comes first.
func (f *ShutdownFuture) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown initiates graceful termination: new claims fail immediately,
// queued waiters are woken with ErrPoolNotRunning, idle handles are
// destroyed right away, and claimed handles are destroyed as they are
// released. Shutdown is idempotent -- repeated calls return the same
// future.
func (p *Pool[T]) Shutdown() *ShutdownFuture {
	p.mu.Lock()
	if p.shutdownFuture != nil {
		fut := p.shutdownFuture
		p.mu.Unlock()
		return fut
	}

	fut := &ShutdownFuture{done: make(chan struct{})}
	p.shutdownFuture = fut
	p.state = stateShuttingDown
	close(p.shutdownSignal)

	var toDestroy []*Handle[T]
	for el := p.idle.Front(); el != nil; el = el.Next() {
		h := el.Value.(*Handle[T])
		h.state = handleDestroyed
		toDestroy = append(toDestroy, h)
	}
	p.idle.Init()
	p.allocated -= len(toDestroy)
	p.mu.Unlock()

	for _, h := range toDestroy {
		p.destroyInstance(context.Background(), h)
	}

	p.wakeAllNotRunning()
	p.checkTerminated()

	return fut
}
