// Package pool implements a generic, in-process object pool.
//
// Clients claim an instance, use it, then release it back to the pool
// for reuse or invalidate it to have it destroyed. The pool enforces an
// upper bound on concurrently-allocated instances, optionally keeps a
// warm core of pre-allocated instances, and optionally evicts idle
// instances according to a pluggable ExpirationPolicy.
//
// Construction and destruction of the underlying resource is left to a
// user-supplied Allocator; the pool owns only the concurrency engine
// around it: the claim/release state machine, the bounded waiter
// queue, the eviction sweep, and the shutdown drain.
package pool
