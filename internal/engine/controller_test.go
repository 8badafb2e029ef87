package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cartsync/internal/backend"
	"github.com/roach88/cartsync/internal/cart"
	"github.com/roach88/cartsync/internal/retry"
	"github.com/roach88/cartsync/internal/toast"
)

func newTestController(t *testing.T, actions backend.Actions, initial cart.Cart, opts ...ControllerOption) *Controller {
	t.Helper()
	exec := retry.New(retry.DefaultPolicy(), retry.WithSleeper(retry.SleeperFunc(
		func(ctx context.Context, d time.Duration) error { return nil },
	)))
	base := []ControllerOption{
		WithRetryExecutor(exec),
		WithIDGenerator(NewSequenceGenerator("op")),
		WithNotifier(toast.New(toast.WithIDGenerator(NewSequenceGenerator("toast")))),
	}
	c := NewController(actions, initial, append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

func waitOp(t *testing.T, op *Operation) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	status := op.Wait(ctx)
	require.True(t, status.Terminal(), "operation %s did not settle", op.ID())
	return status
}

func waitIdleCtrl(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitIdle(ctx))
}

func product(id string, cents int64) cart.Item {
	return cart.Item{MerchandiseID: id, Quantity: 1, UnitPrice: cart.USD(cents)}
}

func lineIDs(c cart.Cart) []string {
	ids := make([]string, 0, len(c.Lines))
	for _, l := range c.Lines {
		ids = append(ids, l.MerchandiseID)
	}
	return ids
}

// gatedActions blocks every mutation until the test releases it.
type gatedActions struct {
	backend.Actions
	gate chan struct{}

	mu     sync.Mutex
	events []string
	starts chan string
}

func newGated(inner backend.Actions) *gatedActions {
	return &gatedActions{
		Actions: inner,
		gate:    make(chan struct{}),
		starts:  make(chan string, 16),
	}
}

func (g *gatedActions) log(e string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, e)
}

func (g *gatedActions) Events() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.events...)
}

func (g *gatedActions) AddToCart(ctx context.Context, item cart.Item) (backend.Result, error) {
	g.log("start " + item.MerchandiseID)
	g.starts <- item.MerchandiseID
	<-g.gate
	res, err := g.Actions.AddToCart(ctx, item)
	g.log("end " + item.MerchandiseID)
	return res, err
}

func TestController_AddIsVisibleBeforeServerResponds(t *testing.T) {
	mem := backend.NewMemory()
	gated := newGated(mem)
	c := newTestController(t, gated, cart.Empty("USD"))

	op := c.AddItem(context.Background(), product("1", 1000))

	snap := c.Cart()
	require.Len(t, snap.Lines, 1)
	assert.Equal(t, "1", snap.Lines[0].MerchandiseID)
	assert.Empty(t, snap.Lines[0].ID)
	assert.Equal(t, int64(1), snap.Version)
	assert.True(t, c.IsLoading())
	assert.True(t, c.IsPending("1"))
	assert.True(t, c.IsPending(""))
	assert.False(t, c.IsPending("2"))

	pending := c.PendingOperations()
	require.Len(t, pending, 1)
	assert.Equal(t, "op-1", pending[0].ID)
	assert.Equal(t, StatusPending, pending[0].Status)

	<-gated.starts
	gated.gate <- struct{}{}
	assert.Equal(t, StatusSuccess, waitOp(t, op))

	snap = c.Cart()
	require.Len(t, snap.Lines, 1)
	assert.Equal(t, "line-1", snap.Lines[0].ID)
	assert.Equal(t, "cart-1", snap.ID)
	assert.Equal(t, int64(2), snap.Version, "reconcile bumps past the optimistic version")
	assert.False(t, c.IsLoading())
	assert.False(t, c.IsPending(""))
	assert.Empty(t, c.PendingOperations())

	toasts := c.Toasts().List()
	require.Len(t, toasts, 1)
	assert.Equal(t, toast.TypeSuccess, toasts[0].Type)
	assert.Equal(t, "Item added to cart", toasts[0].Message)
	assert.Equal(t, 3*time.Second, toasts[0].Duration)
}

func TestController_FirstCallFailsThenSucceeds(t *testing.T) {
	mem := backend.NewMemory()
	mem.Script(backend.MethodAdd, backend.OutcomeError)
	c := newTestController(t, mem, cart.Empty("USD"))

	op := c.AddItem(context.Background(), product("1", 1000))

	assert.Equal(t, StatusSuccess, waitOp(t, op))
	snap := c.Cart()
	require.Len(t, snap.Lines, 1)
	assert.Equal(t, 1, snap.Lines[0].Quantity)
	assert.Equal(t, cart.USD(1000), snap.Cost.Total)
	assert.Equal(t, 2, mem.CallCount(backend.MethodAdd))
	assert.Equal(t, []time.Duration{200 * time.Millisecond}, c.Executor().Delays())
	assert.Equal(t, 1, op.Record().RetryCount)
	assert.Empty(t, c.Errors())
}

func TestController_ConcurrentAddsKeepSubmissionOrder(t *testing.T) {
	mem := backend.NewMemory(backend.WithLatency(5 * time.Millisecond))
	c := newTestController(t, mem, cart.Empty("USD"))

	a := c.AddItem(context.Background(), product("1", 100))
	b := c.AddItem(context.Background(), product("2", 200))

	assert.Equal(t, []string{"1", "2"}, lineIDs(c.Cart()), "both optimistic lines visible at once")
	assert.Equal(t, StatusSuccess, waitOp(t, a))
	assert.Equal(t, StatusSuccess, waitOp(t, b))

	snap := c.Cart()
	assert.Equal(t, []string{"1", "2"}, lineIDs(snap))
	assert.Equal(t, 2, mem.CallCount(backend.MethodAdd), "one call each")
	assert.Equal(t, 1, mem.MaxInFlight(), "never more than one call in flight")
	assert.Equal(t, "line-1", snap.Lines[0].ID)
	assert.Equal(t, "line-2", snap.Lines[1].ID)
}

func TestController_NextCallStartsAfterPreviousSettles(t *testing.T) {
	gated := newGated(backend.NewMemory())
	c := newTestController(t, gated, cart.Empty("USD"))

	a := c.AddItem(context.Background(), product("A", 100))
	b := c.AddItem(context.Background(), product("B", 100))

	assert.Equal(t, "A", <-gated.starts)
	select {
	case id := <-gated.starts:
		t.Fatalf("call for %s started while A was in flight", id)
	case <-time.After(20 * time.Millisecond):
	}

	gated.gate <- struct{}{}
	waitOp(t, a)
	assert.Equal(t, "B", <-gated.starts)
	gated.gate <- struct{}{}
	waitOp(t, b)

	assert.Equal(t, []string{"start A", "end A", "start B", "end B"}, gated.Events())
}

func TestController_ExhaustedRollsBack(t *testing.T) {
	mem := backend.NewMemory()
	c := newTestController(t, mem, cart.Empty("USD"))
	require.Equal(t, StatusSuccess, waitOp(t, c.AddItem(context.Background(), product("1", 500))))
	before := c.Cart()

	mem.Script(backend.MethodUpdate, backend.OutcomeError, backend.OutcomeReject, backend.OutcomeError, backend.OutcomeError)
	op := c.UpdateQuantity(context.Background(), "1", 7)
	assert.Equal(t, 7, c.Cart().TotalQuantity, "optimistic update visible")

	assert.Equal(t, StatusFailed, waitOp(t, op))
	assert.True(t, before.Equal(c.Cart()), "cart equals the pre-operation cart")
	assert.Equal(t, "line-1", c.Cart().Lines[0].ID)
	assert.Equal(t, 4, mem.CallCount(backend.MethodUpdate))
	assert.True(t, IsExhaustedError(op.Err()))
	assert.False(t, c.IsLoading())

	errs := c.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "Failed to update cart", errs[0].Message)
	assert.Equal(t, op.ID(), errs[0].Operation.ID)
	assert.Equal(t, StatusFailed, errs[0].Operation.Status)
	assert.Equal(t, 3, errs[0].Operation.RetryCount)

	var failure toast.Toast
	for _, tt := range c.Toasts().List() {
		if tt.Type == toast.TypeError {
			failure = tt
		}
	}
	require.NotNil(t, failure.Action)
	assert.Equal(t, "Retry", failure.Action.Label)
	assert.Zero(t, failure.Duration)

	// Retry re-invokes the same update; the backend has recovered.
	require.NoError(t, c.Toasts().Trigger(failure.ID))
	waitIdleCtrl(t, c)
	assert.Equal(t, 7, c.Cart().TotalQuantity)
	assert.Equal(t, 7, mem.Snapshot().TotalQuantity)
	assert.Len(t, c.Errors(), 1, "errors are not cleared automatically")

	c.ClearErrors()
	assert.Empty(t, c.Errors())
}

func TestController_RollbackOfAddRemovesLine(t *testing.T) {
	mem := backend.NewMemory()
	mem.SetFallback(backend.MethodAdd, backend.OutcomeError)
	c := newTestController(t, mem, cart.Empty("USD"))
	before := c.Cart()

	op := c.AddItem(context.Background(), product("1", 1000))

	assert.Equal(t, StatusFailed, waitOp(t, op))
	assert.True(t, before.Equal(c.Cart()))
	assert.Equal(t, before.Version, c.Cart().Version)
	assert.Equal(t, "Failed to add item to cart", c.Errors()[0].Message)
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}, c.Executor().Delays())
}

func TestController_DisplacedOperationReappliesOnSuccess(t *testing.T) {
	mem := backend.NewMemory(backend.WithLatency(2 * time.Millisecond))
	mem.Script(backend.MethodAdd,
		backend.OutcomeError, backend.OutcomeError, backend.OutcomeError, backend.OutcomeError,
		backend.OutcomeOK)
	c := newTestController(t, mem, cart.Empty("USD"))

	a := c.AddItem(context.Background(), product("1", 100))
	b := c.AddItem(context.Background(), product("2", 200))

	assert.Equal(t, StatusFailed, waitOp(t, a))
	assert.Equal(t, StatusSuccess, waitOp(t, b))

	snap := c.Cart()
	assert.Equal(t, []string{"2"}, lineIDs(snap))
	assert.Equal(t, "line-1", snap.Lines[0].ID)
	assert.Equal(t, 1, snap.TotalQuantity)
	assert.Equal(t, int64(1), snap.Version, "one version step for the confirmed operation")
	assert.True(t, mem.Snapshot().Equal(snap), "local cart converges on the server cart")
}

func TestController_RollbackAfterDisplacedSuccessKeepsConfirmedLine(t *testing.T) {
	mem := backend.NewMemory()
	mem.Script(backend.MethodAdd,
		backend.OutcomeError, backend.OutcomeError, backend.OutcomeError, backend.OutcomeError,
		backend.OutcomeOK,
		backend.OutcomeError, backend.OutcomeError, backend.OutcomeError, backend.OutcomeError)
	gated := newGated(mem)
	c := newTestController(t, gated, cart.Empty("USD"))
	ctx := context.Background()

	release := func(n int) {
		for range n {
			<-gated.starts
			gated.gate <- struct{}{}
		}
	}

	a := c.AddItem(ctx, product("A", 100))
	b := c.AddItem(ctx, product("B", 200))
	release(4)
	assert.Equal(t, StatusFailed, waitOp(t, a))

	// b is displaced by a's rollback and now in flight.
	assert.Equal(t, "B", <-gated.starts)
	d := c.AddItem(ctx, product("D", 300))
	gated.gate <- struct{}{}
	assert.Equal(t, StatusSuccess, waitOp(t, b))

	release(4)
	assert.Equal(t, StatusFailed, waitOp(t, d))

	snap := c.Cart()
	assert.Equal(t, []string{"B"}, lineIDs(snap))
	assert.Equal(t, "line-1", snap.Lines[0].ID)
	assert.True(t, mem.Snapshot().Equal(snap), "local cart converges on the server cart")
}

func TestController_UpdateUnknownIsLocalNoop(t *testing.T) {
	mem := backend.NewMemory()
	c := newTestController(t, mem, cart.Empty("USD"))
	before := c.Cart()

	op := c.UpdateQuantity(context.Background(), "ghost", 3)

	select {
	case <-op.Done():
	default:
		t.Fatal("no-op must be settled on return")
	}
	assert.True(t, op.Noop())
	assert.Equal(t, StatusSuccess, op.Status())
	assert.Equal(t, before, c.Cart())
	assert.False(t, c.IsLoading())
	assert.Empty(t, mem.Calls())
	assert.Empty(t, c.Toasts().List())

	rm := c.RemoveItem(context.Background(), "ghost")
	assert.True(t, rm.Noop())
	assert.Empty(t, mem.Calls())
}

func TestController_NegativeQuantityRejected(t *testing.T) {
	mem := backend.NewMemory()
	c := newTestController(t, mem, cart.Empty("USD"))
	waitOp(t, c.AddItem(context.Background(), product("1", 100)))
	before := c.Cart()

	op := c.UpdateQuantity(context.Background(), "1", -2)

	assert.Equal(t, StatusFailed, op.Status())
	assert.True(t, IsInvalidOperationError(op.Err()))
	assert.ErrorIs(t, op.Err(), cart.ErrInvalidQuantity)
	assert.Equal(t, before, c.Cart())
	assert.Equal(t, 0, mem.CallCount(backend.MethodUpdate))
}

func TestController_Step(t *testing.T) {
	mem := backend.NewMemory()
	c := newTestController(t, mem, cart.Empty("USD"))
	ctx := context.Background()
	waitOp(t, c.AddItem(ctx, product("1", 100)))

	waitOp(t, c.Step(ctx, "1", StepPlus))
	line, _ := c.Cart().Line("1")
	assert.Equal(t, 2, line.Quantity)

	waitOp(t, c.Step(ctx, "1", StepMinus))
	line, _ = c.Cart().Line("1")
	assert.Equal(t, 1, line.Quantity)

	op := c.Step(ctx, "1", StepMinus)
	waitOp(t, op)
	assert.Equal(t, cart.KindRemove, op.Record().Kind, "minus on a single item removes the line")
	assert.Empty(t, c.Cart().Lines)

	assert.True(t, c.Step(ctx, "1", StepDelete).Noop())
	assert.True(t, IsInvalidOperationError(c.Step(ctx, "1", Step("sideways")).Err()))
}

func TestController_ReconciledVersionTakesServerMax(t *testing.T) {
	v := int64(40)
	actions := &fixedActions{res: backend.Result{Success: true, Version: &v, CartID: "cart-x", LineID: "gid-line"}}
	c := newTestController(t, actions, cart.Empty("USD"))

	waitOp(t, c.AddItem(context.Background(), product("1", 100)))

	snap := c.Cart()
	assert.Equal(t, int64(40), snap.Version)
	assert.Equal(t, "cart-x", snap.ID)
	assert.Equal(t, "gid-line", snap.Lines[0].ID)
}

func TestController_ResultWithoutFieldsLeavesCart(t *testing.T) {
	actions := &fixedActions{res: backend.Result{Success: true}}
	c := newTestController(t, actions, cart.Empty("USD"))

	waitOp(t, c.AddItem(context.Background(), product("1", 100)))

	assert.Equal(t, int64(1), c.Cart().Version)
	assert.Empty(t, c.Cart().Lines[0].ID)
}

func TestController_CallerCancellationDoesNotAbort(t *testing.T) {
	gated := newGated(backend.NewMemory())
	c := newTestController(t, gated, cart.Empty("USD"))
	ctx, cancel := context.WithCancel(context.Background())

	op := c.AddItem(ctx, product("1", 100))
	<-gated.starts
	cancel()
	gated.gate <- struct{}{}

	assert.Equal(t, StatusSuccess, waitOp(t, op))
}

func TestController_ShutdownAbortsAndRollsBack(t *testing.T) {
	mem := backend.NewMemory()
	mem.SetFallback(backend.MethodAdd, backend.OutcomeError)
	exec := retry.New(retry.DefaultPolicy(), retry.WithSleeper(retry.TimerSleeper{}))
	c := newTestController(t, mem, cart.Empty("USD"), WithRetryExecutor(exec))

	op := c.AddItem(context.Background(), product("1", 100))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, c.Shutdown(ctx), context.DeadlineExceeded)
	assert.Equal(t, StatusFailed, waitOp(t, op))
	assert.Empty(t, c.Cart().Lines)

	var oe *OperationError
	require.ErrorAs(t, op.Err(), &oe)
	assert.Equal(t, ErrCodeAborted, oe.Code)
}

func TestController_ShutdownJournalsAbortBeforeReturning(t *testing.T) {
	mem := backend.NewMemory()
	mem.SetFallback(backend.MethodAdd, backend.OutcomeError)
	exec := retry.New(retry.DefaultPolicy(), retry.WithSleeper(retry.TimerSleeper{}))
	j := &recordingJournal{}
	c := newTestController(t, mem, cart.Empty("USD"), WithRetryExecutor(exec), WithJournal(j))

	c.AddItem(context.Background(), product("1", 100))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, c.Shutdown(ctx), context.DeadlineExceeded)

	j.mu.Lock()
	defer j.mu.Unlock()
	require.Len(t, j.ops, 2, "pending and aborted records are journaled before Shutdown returns")
	assert.Equal(t, StatusFailed, j.ops[1].Status)
	assert.Contains(t, j.ops[1].Error, string(ErrCodeAborted))
	require.Len(t, j.errs, 1)
}

func TestController_ClosedRejectsOperations(t *testing.T) {
	c := newTestController(t, backend.NewMemory(), cart.Empty("USD"))
	c.Close()

	op := c.AddItem(context.Background(), product("1", 100))

	assert.Equal(t, StatusFailed, op.Status())
	assert.ErrorIs(t, op.Err(), ErrQueueClosed)
	assert.Empty(t, c.Cart().Lines)
}

func TestController_SubscribeSeesOptimisticAndReconciled(t *testing.T) {
	c := newTestController(t, backend.NewMemory(), cart.Empty("USD"))
	var mu sync.Mutex
	var versions []int64
	unsubscribe := c.Subscribe(func(snap cart.Cart) {
		mu.Lock()
		defer mu.Unlock()
		versions = append(versions, snap.Version)
	})

	waitOp(t, c.AddItem(context.Background(), product("1", 100)))
	unsubscribe()
	waitOp(t, c.AddItem(context.Background(), product("1", 100)))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, versions)
	for i := 1; i < len(versions); i++ {
		assert.Greater(t, versions[i], versions[i-1], "snapshots arrive in publish order")
	}
	assert.Equal(t, int64(2), versions[len(versions)-1])
}

func TestController_LoadSeedsConfirmedLines(t *testing.T) {
	initial := cart.Apply(cart.Empty("USD"), cart.Add(product("1", 100)))
	mem := backend.NewMemory(backend.WithInitialCart(initial))
	mem.Script(backend.MethodUpdate, backend.OutcomeError, backend.OutcomeError, backend.OutcomeError, backend.OutcomeError)

	c, err := Load(context.Background(), mem, mem,
		WithRetryExecutor(retry.New(retry.DefaultPolicy(), retry.WithSleeper(retry.SleeperFunc(func(context.Context, time.Duration) error { return nil })))),
		WithIDGenerator(NewSequenceGenerator("op")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })

	assert.Equal(t, "line-1", c.Cart().Lines[0].ID)
	waitOp(t, c.UpdateQuantity(context.Background(), "1", 3))
	assert.Equal(t, "line-1", c.Cart().Lines[0].ID, "confirmed id survives rollback")
}

func TestController_LoadError(t *testing.T) {
	mem := backend.NewMemory()
	mem.Script(backend.MethodGet, backend.OutcomeError)

	_, err := Load(context.Background(), mem, mem)

	assert.ErrorIs(t, err, backend.ErrScripted)
}

func TestController_JournalAndSink(t *testing.T) {
	mem := backend.NewMemory()
	mem.Script(backend.MethodRemove, backend.OutcomeError, backend.OutcomeError, backend.OutcomeError, backend.OutcomeError)
	j := &recordingJournal{}
	c := newTestController(t, mem, cart.Empty("USD"), WithJournal(j), WithOutcomeSink(j), WithClock(NewClockAt(10)))

	waitOp(t, c.AddItem(context.Background(), product("1", 100)))
	waitOp(t, c.RemoveItem(context.Background(), "1"))

	j.mu.Lock()
	defer j.mu.Unlock()
	require.Len(t, j.ops, 4, "pending and terminal record per operation")
	assert.Equal(t, StatusPending, j.ops[0].Status)
	assert.Equal(t, StatusSuccess, j.ops[1].Status)
	assert.Equal(t, int64(11), j.ops[1].Seq)
	assert.Equal(t, StatusFailed, j.ops[3].Status)
	assert.Equal(t, int64(12), j.ops[3].Seq)
	require.Len(t, j.errs, 1)
	assert.Equal(t, "Failed to remove item", j.errs[0].Message)
	require.Len(t, j.snapshots, 1)
	assert.Equal(t, "line-1", j.snapshots[0].Lines[0].ID)
	assert.Len(t, j.outcomes, 2)
}

func TestController_JournalFailureIsSwallowed(t *testing.T) {
	j := &recordingJournal{fail: errors.New("disk full")}
	c := newTestController(t, backend.NewMemory(), cart.Empty("USD"), WithJournal(j))

	assert.Equal(t, StatusSuccess, waitOp(t, c.AddItem(context.Background(), product("1", 100))))
}

type fixedActions struct {
	res backend.Result
}

func (f *fixedActions) AddToCart(ctx context.Context, item cart.Item) (backend.Result, error) {
	return f.res, nil
}

func (f *fixedActions) UpdateQuantity(ctx context.Context, id string, q int) (backend.Result, error) {
	return f.res, nil
}

func (f *fixedActions) RemoveItem(ctx context.Context, id string) (backend.Result, error) {
	return f.res, nil
}

type recordingJournal struct {
	mu        sync.Mutex
	fail      error
	ops       []OperationRecord
	errs      []CartError
	snapshots []cart.Cart
	outcomes  []OperationRecord
}

func (j *recordingJournal) RecordOperation(ctx context.Context, rec OperationRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ops = append(j.ops, rec)
	return j.fail
}

func (j *recordingJournal) RecordError(ctx context.Context, e CartError) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.errs = append(j.errs, e)
	return j.fail
}

func (j *recordingJournal) SaveSnapshot(ctx context.Context, c cart.Cart) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.snapshots = append(j.snapshots, c)
	return j.fail
}

func (j *recordingJournal) PublishOutcome(ctx context.Context, rec OperationRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.outcomes = append(j.outcomes, rec)
	return j.fail
}
