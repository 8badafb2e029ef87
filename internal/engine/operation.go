package engine

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/cartsync/internal/cart"
)

// Status is the lifecycle state of an operation.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// OperationRecord is a point-in-time view of an operation, as listed by
// PendingOperations and written to the journal.
type OperationRecord struct {
	ID            string     `json:"id"`
	Seq           int64      `json:"seq"`
	CartID        string     `json:"cartId,omitempty"`
	Kind          cart.Kind  `json:"kind"`
	MerchandiseID string     `json:"merchandiseId"`
	Quantity      int        `json:"quantity"`
	Item          *cart.Item `json:"item,omitempty"`
	SubmittedAt   time.Time  `json:"submittedAt"`
	SettledAt     time.Time  `json:"settledAt,omitempty"`
	Status        Status     `json:"status"`
	RetryCount    int        `json:"retryCount"`
	Error         string     `json:"error,omitempty"`
}

// Op rebuilds the reducer operation the record describes.
func (r OperationRecord) Op() cart.Op {
	switch r.Kind {
	case cart.KindAdd:
		if r.Item != nil {
			return cart.Add(*r.Item)
		}
		return cart.Add(cart.Item{MerchandiseID: r.MerchandiseID, Quantity: r.Quantity})
	case cart.KindUpdate:
		return cart.Update(r.MerchandiseID, r.Quantity)
	default:
		return cart.Remove(r.MerchandiseID)
	}
}

// CartError is appended to the controller's error log when an operation
// fails terminally. It is never cleared automatically.
type CartError struct {
	Message   string          `json:"message"`
	Operation OperationRecord `json:"operation"`
	At        time.Time       `json:"at"`
}

// Operation is the handle returned by controller mutations.
type Operation struct {
	op cart.Op

	mu   sync.Mutex
	rec  OperationRecord
	err  error
	noop bool
	done chan struct{}

	// Guarded by Controller.mu.
	previous  cart.Cart
	displaced bool
}

func newOperation(id string, seq int64, op cart.Op, at time.Time) *Operation {
	rec := OperationRecord{
		ID:            id,
		Seq:           seq,
		Kind:          op.Kind,
		MerchandiseID: op.MerchandiseID,
		Quantity:      op.Quantity,
		SubmittedAt:   at,
		Status:        StatusPending,
	}
	if op.Kind == cart.KindAdd {
		item := op.Item
		rec.Item = &item
	}
	return &Operation{op: op, rec: rec, done: make(chan struct{})}
}

// ID returns the operation ID.
func (o *Operation) ID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rec.ID
}

// Record returns the current view of the operation.
func (o *Operation) Record() OperationRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.recordLocked()
}

func (o *Operation) recordLocked() OperationRecord {
	rec := o.rec
	if rec.Item != nil {
		item := *rec.Item
		rec.Item = &item
	}
	return rec
}

// Status returns the current status.
func (o *Operation) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rec.Status
}

// Noop reports whether the operation targeted a line that does not exist
// and was therefore settled locally without a remote call.
func (o *Operation) Noop() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.noop
}

// Err returns the terminal error of a failed operation.
func (o *Operation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Done is closed once the operation is terminal and its side effects
// (toast, error log, journal) have been applied.
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until the operation is terminal or ctx is done, and returns
// the status at that point.
func (o *Operation) Wait(ctx context.Context) Status {
	select {
	case <-o.done:
	case <-ctx.Done():
	}
	return o.Status()
}

func (o *Operation) setRetryCount(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rec.RetryCount = n
}

func (o *Operation) setCartID(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.rec.CartID == "" {
		o.rec.CartID = id
	}
}

// complete records the terminal state. Waiters are not woken until release.
func (o *Operation) complete(status Status, err error, at time.Time) OperationRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rec.Status = status
	o.rec.SettledAt = at
	o.err = err
	if err != nil {
		o.rec.Error = err.Error()
	}
	return o.recordLocked()
}

func (o *Operation) release() {
	close(o.done)
}
