package pool

import (
	"context"
	"time"
)

// maybeStartEvictor lazily starts the background eviction worker the
// first time a policy-bearing pool deposits an idle handle.
func (p *Pool[T]) maybeStartEvictor() {
	if p.cfg.policy == nil {
		return
	}
	p.evictorOnce.Do(func() {
		p.cfg.workerFactory(p.runEvictor)
	})
}

func (p *Pool[T]) runEvictor() {
	policy := p.cfg.policy
	ticker := time.NewTicker(policy.NextCheckDelay())
	defer ticker.Stop()

	for {
		select {
		case <-p.shutdownSignal:
			return
		case <-ticker.C:
			p.sweepIdle(policy)
			p.ensureCore()
		}
	}
}

// sweepIdle walks the idle set, destroying handles the policy marks
// evictable. ShouldEvict runs outside the pool's lock: it is handed a
// snapshot of each candidate's metadata and never touches pool state,
// so a slow or misbehaving policy implementation cannot stall claims,
// releases or invalidations elsewhere in the pool. Candidates are
// re-checked for a still-idle state once the lock is retaken, since a
// handle can be claimed out from under the snapshot while the policy
// runs.
func (p *Pool[T]) sweepIdle(policy ExpirationPolicy) {
	now := time.Now()

	type candidate struct {
		handle *Handle[T]
		meta   Metadata
	}

	p.mu.Lock()
	snapshot := make([]candidate, 0, p.idle.Len())
	for el := p.idle.Front(); el != nil; el = el.Next() {
		h := el.Value.(*Handle[T])
		snapshot = append(snapshot, candidate{handle: h, meta: h.metadata()})
	}
	p.mu.Unlock()

	var evictable []*Handle[T]
	for _, c := range snapshot {
		if p.safeShouldEvict(policy, c.meta, now) {
			evictable = append(evictable, c.handle)
		}
	}
	if len(evictable) == 0 {
		return
	}

	var toDestroy []*Handle[T]
	p.mu.Lock()
	for _, h := range evictable {
		if h.state != handleIdle {
			continue
		}
		p.removeFromIdleLocked(h)
		h.state = handleDestroyed
		p.allocated--
		toDestroy = append(toDestroy, h)
	}
	p.mu.Unlock()

	for _, h := range toDestroy {
		p.destroyInstance(context.Background(), h)
	}
}

// safeShouldEvict guards against a misbehaving policy panicking the
// eviction goroutine; policies are expected to be pure functions of
// their inputs but cannot be trusted to actually be.
func (p *Pool[T]) safeShouldEvict(policy ExpirationPolicy, meta Metadata, now time.Time) (evict bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Int64("handle_id", meta.ID).Msg("eviction policy panicked, keeping handle idle")
			evict = false
		}
	}()
	return policy.ShouldEvict(meta, now)
}
