package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/cartsync/internal/backend"
	"github.com/roach88/cartsync/internal/cart"
	"github.com/roach88/cartsync/internal/retry"
	"github.com/roach88/cartsync/internal/toast"
)

// DefaultSinkTimeout bounds each journal or outcome sink write.
const DefaultSinkTimeout = 5 * time.Second

// Journal persists operation transitions. Implemented by store.Store.
type Journal interface {
	RecordOperation(ctx context.Context, rec OperationRecord) error
	RecordError(ctx context.Context, e CartError) error
	SaveSnapshot(ctx context.Context, c cart.Cart) error
}

// OutcomeSink receives every settled operation. Implemented by events.Writer.
type OutcomeSink interface {
	PublishOutcome(ctx context.Context, rec OperationRecord) error
}

// Step is a relative quantity change issued from a line's controls.
type Step string

const (
	StepPlus   Step = "plus"
	StepMinus  Step = "minus"
	StepDelete Step = "delete"
)

// Toast messages per operation kind.
var (
	successMessages = map[cart.Kind]string{
		cart.KindAdd:    "Item added to cart",
		cart.KindUpdate: "Cart updated",
		cart.KindRemove: "Item removed from cart",
	}
	failureMessages = map[cart.Kind]string{
		cart.KindAdd:    "Failed to add item to cart",
		cart.KindUpdate: "Failed to update cart",
		cart.KindRemove: "Failed to remove item",
	}
)

// Controller owns one cart session.
//
// Every mutation is applied to the local cart immediately and published to
// subscribers before the method returns. The remote call is then queued;
// calls run one at a time in submission order, each through the retry
// executor. A successful call merges the server's authoritative fields
// (version, line ID, cart ID) into the current cart. A call whose retries
// run out restores the cart captured before the operation, records a
// CartError and raises an error toast with a Retry action.
//
// Mutation methods never return errors. Failures surface through the
// returned Operation, Errors() and the toast notifier.
//
// Thread-safety: all methods are safe for concurrent use.
type Controller struct {
	mu        sync.Mutex
	current   cart.Cart
	inFlight  int
	pending   []*Operation // submission order
	errs      []CartError
	confirmed map[string]string // merchandise ID -> server line ID
	closed    bool
	stageSeq  uint64

	pubMu     sync.Mutex
	delivered uint64
	subMu     sync.Mutex
	subs      map[int]func(cart.Cart)
	nextSub   int

	actions     backend.Actions
	exec        *retry.Executor
	queue       *Queue
	toasts      *toast.Notifier
	ids         IDGenerator
	clock       *Clock
	now         func() time.Time
	journal     Journal
	sink        OutcomeSink
	logger      *slog.Logger
	successTTL  time.Duration
	sinkTimeout time.Duration
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithRetryExecutor sets the executor for remote calls.
// Default: retry.New(retry.DefaultPolicy()).
func WithRetryExecutor(e *retry.Executor) ControllerOption {
	return func(c *Controller) {
		c.exec = e
	}
}

// WithNotifier sets the session's toast notifier.
func WithNotifier(n *toast.Notifier) ControllerOption {
	return func(c *Controller) {
		c.toasts = n
	}
}

// WithIDGenerator sets the operation ID source. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) ControllerOption {
	return func(c *Controller) {
		c.ids = g
	}
}

// WithClock sets the submission sequence clock.
func WithClock(clock *Clock) ControllerOption {
	return func(c *Controller) {
		c.clock = clock
	}
}

// WithNow overrides the wall clock used for timestamps.
func WithNow(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		c.now = now
	}
}

// WithJournal persists operations, errors and confirmed snapshots.
func WithJournal(j Journal) ControllerOption {
	return func(c *Controller) {
		c.journal = j
	}
}

// WithOutcomeSink publishes every settled operation.
func WithOutcomeSink(s OutcomeSink) ControllerOption {
	return func(c *Controller) {
		c.sink = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = l
	}
}

// WithSuccessToastDuration sets how long success toasts stay visible.
// Default: 3s.
func WithSuccessToastDuration(d time.Duration) ControllerOption {
	return func(c *Controller) {
		c.successTTL = d
	}
}

// NewController creates a controller whose cart starts at initial.
// Line IDs present in initial are treated as server-confirmed.
func NewController(actions backend.Actions, initial cart.Cart, opts ...ControllerOption) *Controller {
	c := &Controller{
		current:     initial.Clone(),
		confirmed:   make(map[string]string),
		subs:        make(map[int]func(cart.Cart)),
		actions:     actions,
		ids:         UUIDv7Generator{},
		clock:       NewClock(),
		now:         time.Now,
		logger:      slog.Default(),
		successTTL:  toast.DefaultSuccessDuration,
		sinkTimeout: DefaultSinkTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.exec == nil {
		c.exec = retry.New(retry.DefaultPolicy(), retry.WithLogger(c.logger))
	}
	if c.toasts == nil {
		c.toasts = toast.New(toast.WithLogger(c.logger))
	}
	c.queue = NewQueue(c.logger)

	for _, l := range c.current.Lines {
		if l.ID != "" {
			c.confirmed[l.MerchandiseID] = l.ID
		}
	}
	return c
}

// Load fetches the authoritative cart and creates a controller for it.
func Load(ctx context.Context, loader backend.Loader, actions backend.Actions, opts ...ControllerOption) (*Controller, error) {
	initial, err := loader.GetCart(ctx)
	if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}
	return NewController(actions, initial, opts...), nil
}

// Cart returns a copy of the current cart.
func (c *Controller) Cart() cart.Cart {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Clone()
}

// IsLoading reports whether any remote call is in flight or queued.
func (c *Controller) IsLoading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight > 0
}

// PendingOperations lists non-terminal operations in submission order.
func (c *Controller) PendingOperations() []OperationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]OperationRecord, 0, len(c.pending))
	for _, o := range c.pending {
		out = append(out, o.Record())
	}
	return out
}

// IsPending reports whether an operation on merchandiseID is pending.
// An empty merchandiseID asks whether any operation is pending.
func (c *Controller) IsPending(merchandiseID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if merchandiseID == "" {
		return len(c.pending) > 0
	}
	for _, o := range c.pending {
		if o.op.MerchandiseID == merchandiseID {
			return true
		}
	}
	return false
}

// Errors returns the error log in the order failures settled.
func (c *Controller) Errors() []CartError {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CartError, len(c.errs))
	copy(out, c.errs)
	return out
}

// ClearErrors empties the error log.
func (c *Controller) ClearErrors() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = nil
}

// Toasts returns the session's notifier.
func (c *Controller) Toasts() *toast.Notifier {
	return c.toasts
}

// Executor returns the retry executor, whose delay log spans the session.
func (c *Controller) Executor() *retry.Executor {
	return c.exec
}

// Subscribe registers fn to receive every published cart snapshot. Snapshots
// arrive in publish order; a snapshot superseded before delivery is skipped.
// fn must not call mutation methods synchronously.
func (c *Controller) Subscribe(fn func(cart.Cart)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs, id)
	}
}

// AddItem adds item to the cart (incrementing an existing line).
func (c *Controller) AddItem(ctx context.Context, item cart.Item) *Operation {
	return c.submit(ctx, func(cart.Cart) cart.Op { return cart.Add(item) })
}

// UpdateQuantity sets a line's quantity. Zero removes the line.
func (c *Controller) UpdateQuantity(ctx context.Context, merchandiseID string, quantity int) *Operation {
	return c.submit(ctx, func(cart.Cart) cart.Op { return cart.Update(merchandiseID, quantity) })
}

// RemoveItem removes a line.
func (c *Controller) RemoveItem(ctx context.Context, merchandiseID string) *Operation {
	return c.submit(ctx, func(cart.Cart) cart.Op { return cart.Remove(merchandiseID) })
}

// Step applies a relative change to a line: plus and minus adjust the
// quantity by one (minus on a single item removes the line), delete removes
// it. The quantity is read from the cart at submission, atomically with the
// optimistic apply.
func (c *Controller) Step(ctx context.Context, merchandiseID string, step Step) *Operation {
	return c.submit(ctx, func(current cart.Cart) cart.Op {
		line, ok := current.Line(merchandiseID)
		switch step {
		case StepDelete:
			return cart.Remove(merchandiseID)
		case StepPlus:
			if !ok {
				return cart.Remove(merchandiseID)
			}
			return cart.Update(merchandiseID, line.Quantity+1)
		case StepMinus:
			if !ok || line.Quantity <= 1 {
				return cart.Remove(merchandiseID)
			}
			return cart.Update(merchandiseID, line.Quantity-1)
		}
		return cart.Op{Kind: cart.Kind("STEP_" + string(step)), MerchandiseID: merchandiseID}
	})
}

// Retry submits the operation described by rec again, as the Retry toast
// action does.
func (c *Controller) Retry(ctx context.Context, rec OperationRecord) *Operation {
	op := rec.Op()
	return c.submit(ctx, func(cart.Cart) cart.Op { return op })
}

// WaitIdle blocks until no remote call is queued or running.
func (c *Controller) WaitIdle(ctx context.Context) error {
	select {
	case <-c.queue.Idle():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting operations. Queued calls still run.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.queue.Close()
}

// Shutdown closes the controller and waits for queued calls. If ctx ends
// first, running calls are aborted and roll back.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.Close()
	err := c.queue.Shutdown(ctx)
	c.toasts.Close()
	return err
}

func (c *Controller) submit(ctx context.Context, build func(current cart.Cart) cart.Op) *Operation {
	c.mu.Lock()

	op := build(c.current)
	o := newOperation(c.ids.Generate(), c.clock.Next(), op, c.now())
	log := c.logger.With("op_id", o.rec.ID, "kind", op.Kind, "merchandise_id", op.MerchandiseID)

	if c.closed {
		c.mu.Unlock()
		log.Warn("operation rejected: controller closed")
		o.complete(StatusFailed, newClosedError(o.rec), c.now())
		o.release()
		return o
	}

	if err := op.Validate(); err != nil {
		c.mu.Unlock()
		log.Warn("operation rejected", "error", err)
		o.complete(StatusFailed, NewInvalidOperationError(o.rec, err), c.now())
		o.release()
		return o
	}

	if !op.Targets(c.current) {
		c.mu.Unlock()
		log.Debug("operation targets no line, ignored")
		o.mu.Lock()
		o.noop = true
		o.mu.Unlock()
		o.complete(StatusSuccess, nil, c.now())
		o.release()
		return o
	}

	o.previous = c.current
	c.current = cart.Apply(c.current, op)
	o.setCartID(c.current.ID)
	c.inFlight++
	c.pending = append(c.pending, o)
	c.queue.Enqueue(c.task(ctx, o))
	seq, snapshot := c.stageLocked()
	c.mu.Unlock()

	log.Debug("operation applied", "version", snapshot.Version)
	c.publish(seq, snapshot)
	return o
}

// task builds the queued remote call for o. The call is detached from the
// caller's cancellation and only aborted when the queue shuts down.
func (c *Controller) task(callerCtx context.Context, o *Operation) Task {
	return func(qctx context.Context) error {
		ctx, cancel := context.WithCancel(context.WithoutCancel(callerCtx))
		defer cancel()
		stop := context.AfterFunc(qctx, cancel)
		defer stop()

		c.record(o.Record())

		res, err := retry.Execute(ctx, c.exec, func(ctx context.Context, attempt int) (backend.Result, error) {
			o.setRetryCount(attempt)
			return c.call(ctx, o.op)
		}, func() {
			c.rollback(o)
		})
		if err != nil {
			c.fail(o, err)
			return err
		}
		c.reconcile(o, res)
		return nil
	}
}

func (c *Controller) call(ctx context.Context, op cart.Op) (backend.Result, error) {
	switch op.Kind {
	case cart.KindAdd:
		return c.actions.AddToCart(ctx, op.Item)
	case cart.KindUpdate:
		return c.actions.UpdateQuantity(ctx, op.MerchandiseID, op.Quantity)
	case cart.KindRemove:
		return c.actions.RemoveItem(ctx, op.MerchandiseID)
	}
	return backend.Result{}, fmt.Errorf("unknown operation kind %q", op.Kind)
}

// rollback restores the cart captured before o and marks every later
// pending operation as displaced, since their optimistic effects were
// applied on top of o's.
func (c *Controller) rollback(o *Operation) {
	c.mu.Lock()
	if o.displaced {
		c.mu.Unlock()
		c.logger.Debug("displaced operation failed, nothing to restore", "op_id", o.rec.ID)
		return
	}

	restored := o.previous.Clone()
	if restored.ID == "" {
		restored.ID = c.current.ID
	}
	for i := range restored.Lines {
		if restored.Lines[i].ID == "" {
			if id, ok := c.confirmed[restored.Lines[i].MerchandiseID]; ok {
				restored.Lines[i].ID = id
			}
		}
	}
	c.current = restored

	for _, p := range c.pending {
		if p != o {
			p.displaced = true
		}
	}
	seq, snapshot := c.stageLocked()
	c.mu.Unlock()

	c.logger.Info("operation rolled back", "op_id", o.rec.ID, "version", snapshot.Version)
	c.publish(seq, snapshot)
}

// reconcile merges the server's fields for o into the current cart,
// touching only o's line. The version advances one step per confirmed
// operation, or to the server's version when that is higher.
func (c *Controller) reconcile(o *Operation, res backend.Result) {
	c.mu.Lock()
	next := c.current
	base := next.Version
	changed := false

	if o.displaced {
		next = cart.Apply(next, o.op)
		changed = true
		// Operations submitted after the rollback captured a cart without
		// o's effect; a rollback to one of them must keep it.
		for _, p := range c.pending {
			if p != o && !p.displaced {
				p.previous = cart.Apply(p.previous, o.op)
			}
		}
	}
	if res.HasFields() {
		next = next.Clone()
		if res.CartID != "" && next.ID == "" {
			next.ID = res.CartID
		}
		if res.LineID != "" {
			for i := range next.Lines {
				if next.Lines[i].MerchandiseID == o.op.MerchandiseID {
					next.Lines[i].ID = res.LineID
				}
			}
			c.confirmed[o.op.MerchandiseID] = res.LineID
		}
		version := base + 1
		if res.Version != nil && *res.Version > version {
			version = *res.Version
		}
		next.Version = version
		changed = true
	}
	if o.op.Kind == cart.KindRemove || (o.op.Kind == cart.KindUpdate && o.op.Quantity == 0) {
		delete(c.confirmed, o.op.MerchandiseID)
	}
	c.current = next
	o.setCartID(next.ID)

	rec := o.complete(StatusSuccess, nil, c.now())
	c.settleLocked(o)
	seq, snapshot := c.stageLocked()
	c.mu.Unlock()

	if changed {
		c.publish(seq, snapshot)
	}
	c.logger.Info("operation confirmed",
		"op_id", rec.ID,
		"kind", rec.Kind,
		"retries", rec.RetryCount,
		"version", snapshot.Version,
	)

	c.toasts.Add(toast.Success(successMessages[rec.Kind], c.successTTL))
	c.record(rec)
	c.sideEffect("save snapshot", func(ctx context.Context) error {
		if c.journal == nil {
			return nil
		}
		return c.journal.SaveSnapshot(ctx, snapshot)
	})
	c.publishOutcome(rec)
	o.release()
}

func (c *Controller) fail(o *Operation, cause error) {
	var opErr *OperationError
	if retry.IsExhausted(cause) {
		opErr = NewExhaustedError(o.Record(), c.exec.Policy().MaxRetries+1, cause)
	} else {
		opErr = newAbortedError(o.Record(), cause)
	}

	at := c.now()
	rec := o.complete(StatusFailed, opErr, at)
	cartErr := CartError{
		Message:   failureMessages[rec.Kind],
		Operation: rec,
		At:        at,
	}

	c.mu.Lock()
	c.settleLocked(o)
	c.errs = append(c.errs, cartErr)
	c.mu.Unlock()

	c.logger.Warn("operation failed",
		"op_id", rec.ID,
		"kind", rec.Kind,
		"merchandise_id", rec.MerchandiseID,
		"error", cause,
	)

	retryRec := rec
	c.toasts.Add(toast.Failure(cartErr.Message, &toast.Action{
		Label: "Retry",
		Run: func() {
			c.Retry(context.Background(), retryRec)
		},
	}))
	c.record(rec)
	c.sideEffect("record error", func(ctx context.Context) error {
		if c.journal == nil {
			return nil
		}
		return c.journal.RecordError(ctx, cartErr)
	})
	c.publishOutcome(rec)
	o.release()
}

// settleLocked drops o from the in-flight count and the pending set.
func (c *Controller) settleLocked(o *Operation) {
	if c.inFlight > 0 {
		c.inFlight--
	}
	for i, p := range c.pending {
		if p == o {
			c.pending = append(c.pending[:i:i], c.pending[i+1:]...)
			break
		}
	}
}

// stageLocked stamps the current cart for publication.
func (c *Controller) stageLocked() (uint64, cart.Cart) {
	c.stageSeq++
	return c.stageSeq, c.current.Clone()
}

func (c *Controller) publish(seq uint64, snapshot cart.Cart) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if seq <= c.delivered {
		return
	}
	c.delivered = seq

	c.subMu.Lock()
	subs := make([]func(cart.Cart), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()

	for _, fn := range subs {
		fn(snapshot.Clone())
	}
}

func (c *Controller) record(rec OperationRecord) {
	c.sideEffect("record operation", func(ctx context.Context) error {
		if c.journal == nil {
			return nil
		}
		return c.journal.RecordOperation(ctx, rec)
	})
}

func (c *Controller) publishOutcome(rec OperationRecord) {
	c.sideEffect("publish outcome", func(ctx context.Context) error {
		if c.sink == nil {
			return nil
		}
		return c.sink.PublishOutcome(ctx, rec)
	})
}

// sideEffect runs a journal or sink write with its own timeout. Failures
// are logged and otherwise ignored.
func (c *Controller) sideEffect(what string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.sinkTimeout)
	defer cancel()
	if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error(what+" failed", "error", err)
	}
}
