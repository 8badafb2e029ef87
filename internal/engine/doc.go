// Package engine implements the optimistic cart controller.
//
// ARCHITECTURE:
//
// Two-phase operations:
// Every cart mutation is applied twice. Phase one runs synchronously inside
// the caller's goroutine: the reducer computes the optimistic cart, which is
// published before the mutation method returns. Phase two runs on the
// operation queue's drain goroutine: the remote call (through the retry
// executor) followed by either reconcile or rollback, keyed by operation ID.
//
// Operation Processing Flow:
// 1. Controller captures the current cart and applies the reducer
// 2. Operation is stamped with a seq from Clock and appended to the pending set
// 3. Remote call is enqueued; the Queue runs one call at a time, FIFO
// 4. Success: server fields merged into the current cart, success toast
// 5. Exhausted retries: captured cart restored, CartError recorded,
//    error toast with a Retry action
// 6. Always: pending set and in-flight count updated, journal written
//
// CRITICAL PATTERNS:
//
// Submission order:
// The remote call is enqueued while the controller lock is held, so the
// queue order always matches the order in which optimistic effects were
// applied.
//
// Detached remote work:
// Remote calls run under context.WithoutCancel of the caller's context. A
// caller canceling its request never interrupts a call mid-flight; only
// Shutdown does, and an aborted call rolls back like an exhausted one.
//
// Displaced operations:
// A rollback restores the cart captured before the failed operation, which
// also wipes the optimistic effects of operations queued after it. Those
// are marked displaced. A displaced operation that succeeds re-applies its
// reducer step before merging; one that fails has nothing to restore.
package engine
