package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/cartsync/internal/backend"
	"github.com/roach88/cartsync/internal/cart"
	"github.com/roach88/cartsync/internal/engine"
	"github.com/roach88/cartsync/internal/retry"
	"github.com/roach88/cartsync/internal/testutil"
	"github.com/roach88/cartsync/internal/toast"
)

// stepTimeout bounds how long one step may take to settle.
const stepTimeout = 10 * time.Second

// Option configures a run.
type Option func(*runConfig)

type runConfig struct {
	logger  *slog.Logger
	journal engine.Journal
	sink    engine.OutcomeSink
}

// WithLogger sets the logger for the controller and backend.
// Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(c *runConfig) {
		c.logger = l
	}
}

// WithJournal also writes the session's operations to j.
func WithJournal(j engine.Journal) Option {
	return func(c *runConfig) {
		c.journal = j
	}
}

// WithOutcomeSink forwards settled operations to s.
func WithOutcomeSink(s engine.OutcomeSink) Option {
	return func(c *runConfig) {
		c.sink = s
	}
}

// runner executes one scenario.
//
// Server calls pass through a gate that stays shut while a step submits
// its mutations, so every optimistic snapshot in the trace is observed
// before any reconciliation. The gate then opens and the step settles.
// Combined with sequential operation and toast IDs, a stepping clock and a
// sleeper that never waits, the trace is identical on every run.
type runner struct {
	scenario *Scenario
	mem      *backend.Memory
	gate     *gate
	sleeper  *callSleeper
	ctrl     *engine.Controller
	journal  *recorder
	result   *Result

	callMark   int
	settleMark int
	delayMark  int
	errorMark  int
	seenToasts map[string]bool
}

// Run executes a scenario against an in-memory backend and returns the
// trace and the outcome of its expectations.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	cfg := runConfig{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&cfg)
	}

	r, err := newRunner(scenario, cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
		defer cancel()
		_ = r.ctrl.Shutdown(ctx)
	}()

	r.result.tracef("scenario %s", scenario.Name)
	r.result.tracef("initial %s", summarize(r.ctrl.Cart()))

	for i, step := range scenario.Steps {
		if err := r.runStep(i+1, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}

	final := r.ctrl.Cart()
	r.result.Cart = final
	r.result.Calls = r.mem.Calls()
	r.result.Delays = r.ctrl.Executor().Delays()
	r.result.Settled = r.journal.settled()
	r.result.CartErrors = r.ctrl.Errors()
	r.result.tracef("final %s", summarize(final))

	checkExpect(scenario.Expect, r.result)
	return r.result, nil
}

func newRunner(s *Scenario, cfg runConfig) (*runner, error) {
	currency := s.Currency
	if currency == "" {
		currency = cart.DefaultCurrency
	}

	seed := cart.Empty(currency)
	for _, l := range s.Initial {
		item, err := toItem(l, currency)
		if err != nil {
			return nil, fmt.Errorf("initial line %s: %w", l.MerchandiseID, err)
		}
		seed = cart.Apply(seed, cart.Add(item))
	}
	seed.Version = 0

	memOpts := []backend.MemoryOption{backend.WithMemoryLogger(cfg.logger)}
	if len(s.Initial) > 0 {
		memOpts = append(memOpts, backend.WithInitialCart(seed))
	}
	if s.Backend.CartID != "" {
		memOpts = append(memOpts, backend.WithCartID(s.Backend.CartID))
	}
	mem := backend.NewMemory(memOpts...)
	if err := scriptBackend(mem, s.Backend); err != nil {
		return nil, err
	}

	// A session with existing lines starts from the server's cart; an
	// empty session has no cart ID until the first confirmation.
	initial := cart.Empty(currency)
	if len(s.Initial) > 0 {
		initial = mem.Snapshot()
	}

	policy := retry.DefaultPolicy()
	if s.Retry != nil {
		if s.Retry.MaxRetries != 0 {
			policy.MaxRetries = s.Retry.MaxRetries
		}
		if s.Retry.BaseDelay > 0 {
			policy.BaseDelay = s.Retry.BaseDelay
		}
	}

	clock := testutil.NewManualClock()
	scheduler := &testutil.ManualScheduler{}
	rec := &recorder{inner: cfg.journal}
	g := newGate(mem)
	sleeper := &callSleeper{mem: mem}

	ctrlOpts := []engine.ControllerOption{
		engine.WithRetryExecutor(retry.New(policy,
			retry.WithSleeper(sleeper),
			retry.WithLogger(cfg.logger),
		)),
		engine.WithNotifier(toast.New(
			toast.WithIDGenerator(engine.NewSequenceGenerator("toast")),
			toast.WithScheduler(scheduler.Schedule),
			toast.WithLogger(cfg.logger),
		)),
		engine.WithIDGenerator(engine.NewSequenceGenerator("op")),
		engine.WithNow(clock.Now),
		engine.WithJournal(rec),
		engine.WithLogger(cfg.logger),
	}
	if cfg.sink != nil {
		ctrlOpts = append(ctrlOpts, engine.WithOutcomeSink(cfg.sink))
	}

	return &runner{
		scenario:   s,
		mem:        mem,
		gate:       g,
		sleeper:    sleeper,
		ctrl:       engine.NewController(g, initial, ctrlOpts...),
		journal:    rec,
		result:     NewResult(),
		seenToasts: make(map[string]bool),
	}, nil
}

func scriptBackend(mem *backend.Memory, spec BackendSpec) error {
	methods := make([]string, 0, len(spec.Script))
	for m := range spec.Script {
		methods = append(methods, m)
	}
	sort.Strings(methods)

	for _, m := range methods {
		method, err := parseMethod(m)
		if err != nil {
			return err
		}
		outcomes := make([]backend.Outcome, 0, len(spec.Script[m]))
		for _, o := range spec.Script[m] {
			outcome, err := parseOutcome(o)
			if err != nil {
				return err
			}
			outcomes = append(outcomes, outcome)
		}
		mem.Script(method, outcomes...)
	}
	for m, o := range spec.Fallback {
		method, err := parseMethod(m)
		if err != nil {
			return err
		}
		outcome, err := parseOutcome(o)
		if err != nil {
			return err
		}
		mem.SetFallback(method, outcome)
	}
	return nil
}

func parseMethod(s string) (backend.Method, error) {
	switch m := backend.Method(s); m {
	case backend.MethodAdd, backend.MethodUpdate, backend.MethodRemove:
		return m, nil
	}
	return "", fmt.Errorf("unknown server action %q", s)
}

func parseOutcome(s string) (backend.Outcome, error) {
	switch o := backend.Outcome(s); o {
	case backend.OutcomeOK, backend.OutcomeError, backend.OutcomeReject:
		return o, nil
	}
	return "", fmt.Errorf("unknown outcome %q", s)
}

func toItem(l LineSpec, currency string) (cart.Item, error) {
	price := cart.NewMoney(0, currency)
	if l.Price != "" {
		var err error
		if price, err = cart.ParseMoney(l.Price, currency); err != nil {
			return cart.Item{}, err
		}
	}
	return cart.Item{
		MerchandiseID: l.MerchandiseID,
		Quantity:      l.Quantity,
		UnitPrice:     price,
		Merchandise:   cart.Merchandise{Title: l.Title},
	}, nil
}

// runStep submits one step's mutations behind the closed gate, then lets
// them settle and traces what happened.
func (r *runner) runStep(n int, step Step) error {
	r.gate.hold()
	var err error
	switch {
	case step.RetryLast:
		r.result.tracef("step %d retry", n)
		err = r.retryLast()
	case step.ClearErrors:
		r.result.tracef("step %d clear errors", n)
		r.ctrl.ClearErrors()
		r.errorMark = 0
	case len(step.Concurrent) > 0:
		r.result.tracef("step %d concurrent", n)
		for _, inner := range step.Concurrent {
			if err = r.submit(inner); err != nil {
				break
			}
		}
	default:
		r.result.tracef("step %d %s", n, describe(step))
		err = r.submit(step)
	}
	r.gate.release()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()
	if err := r.ctrl.WaitIdle(ctx); err != nil {
		return fmt.Errorf("waiting for settlement: %w", err)
	}
	r.traceSettlement()
	return nil
}

func (r *runner) submit(step Step) error {
	ctx := context.Background()
	currency := r.ctrl.Cart().Currency()

	var op *engine.Operation
	switch {
	case step.Add != nil:
		item, err := toItem(*step.Add, currency)
		if err != nil {
			return fmt.Errorf("add %s: %w", step.Add.MerchandiseID, err)
		}
		op = r.ctrl.AddItem(ctx, item)
	case step.Update != nil:
		op = r.ctrl.UpdateQuantity(ctx, step.Update.MerchandiseID, step.Update.Quantity)
	case step.Remove != "":
		op = r.ctrl.RemoveItem(ctx, step.Remove)
	case step.Step != nil:
		op = r.ctrl.Step(ctx, step.Step.MerchandiseID, engine.Step(step.Step.Step))
	default:
		return fmt.Errorf("step has no mutation")
	}

	rec := op.Record()
	switch {
	case op.Noop():
		r.result.tracef("  submit %s %s %s -> noop", rec.ID, rec.Kind, rec.MerchandiseID)
	case op.Status() == engine.StatusFailed:
		r.result.tracef("  submit %s %s %s -> rejected: %v", rec.ID, rec.Kind, rec.MerchandiseID, op.Err())
	default:
		r.result.tracef("  submit %s %s %s -> %s", rec.ID, rec.Kind, rec.MerchandiseID, summarize(r.ctrl.Cart()))
	}
	return nil
}

// retryLast triggers the action of the newest error toast that has one.
func (r *runner) retryLast() error {
	toasts := r.ctrl.Toasts().List()
	for i := len(toasts) - 1; i >= 0; i-- {
		t := toasts[i]
		if t.Type != toast.TypeError || t.Action == nil {
			continue
		}
		if err := r.ctrl.Toasts().Trigger(t.ID); err != nil {
			return fmt.Errorf("retry %s: %w", t.ID, err)
		}
		r.result.tracef("  click %s %q", t.ID, t.Action.Label)
		if pending := r.ctrl.PendingOperations(); len(pending) > 0 {
			rec := pending[len(pending)-1]
			r.result.tracef("  submit %s %s %s -> %s", rec.ID, rec.Kind, rec.MerchandiseID, summarize(r.ctrl.Cart()))
		}
		return nil
	}
	return fmt.Errorf("no error toast with an action to retry")
}

// traceSettlement appends everything that happened since the previous
// step: server calls, backoff delays, settled operations, new errors and
// toasts, then the resulting cart.
func (r *runner) traceSettlement() {
	calls := r.mem.Calls()
	backoffs := r.sleeper.backoffs()
	next := r.delayMark
	traceBackoffs := func(calls int) {
		for ; next < len(backoffs) && backoffs[next].afterCalls <= calls; next++ {
			r.result.tracef("  backoff %s", backoffs[next].d)
		}
	}
	for i := r.callMark; i < len(calls); i++ {
		traceBackoffs(i)
		c := calls[i]
		outcome := "ok"
		if c.Failed {
			outcome = "failed"
		}
		if c.Method == backend.MethodRemove {
			r.result.tracef("  call %s %s %s", c.Method, c.MerchandiseID, outcome)
		} else {
			r.result.tracef("  call %s %s qty=%d %s", c.Method, c.MerchandiseID, c.Quantity, outcome)
		}
	}
	traceBackoffs(len(calls))
	r.callMark = len(calls)
	r.delayMark = next

	settled := r.journal.settled()
	for _, rec := range settled[r.settleMark:] {
		line := fmt.Sprintf("  settle %s %s retries=%d", rec.ID, rec.Status, rec.RetryCount)
		if rec.Error != "" {
			line += " error=" + errorCode(rec.Error)
		}
		r.result.Trace = append(r.result.Trace, line)
	}
	r.settleMark = len(settled)

	errs := r.ctrl.Errors()
	for _, e := range errs[min(r.errorMark, len(errs)):] {
		r.result.tracef("  error %q op=%s", e.Message, e.Operation.ID)
	}
	r.errorMark = len(errs)

	for _, t := range r.ctrl.Toasts().List() {
		if r.seenToasts[t.ID] {
			continue
		}
		r.seenToasts[t.ID] = true
		r.result.Toasts = append(r.result.Toasts, t)
		if t.Action != nil {
			r.result.tracef("  toast %s %s %q [%s]", t.ID, t.Type, t.Message, t.Action.Label)
		} else {
			r.result.tracef("  toast %s %s %q", t.ID, t.Type, t.Message)
		}
	}

	r.result.tracef("  cart %s", summarize(r.ctrl.Cart()))
}

type backoff struct {
	d          time.Duration
	afterCalls int
}

// callSleeper records each backoff with the number of server calls made
// before it, so the trace places it between the calls it separates.
type callSleeper struct {
	testutil.RecordingSleeper
	mem *backend.Memory

	mu  sync.Mutex
	log []backoff
}

func (s *callSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := s.RecordingSleeper.Sleep(ctx, d); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, backoff{d: d, afterCalls: len(s.mem.Calls())})
	return nil
}

func (s *callSleeper) backoffs() []backoff {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]backoff(nil), s.log...)
}

// gate holds server calls until released.
type gate struct {
	inner backend.Actions

	mu   sync.Mutex
	open chan struct{}
}

func newGate(inner backend.Actions) *gate {
	g := &gate{inner: inner, open: make(chan struct{})}
	close(g.open)
	return g
}

func (g *gate) hold() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
		g.open = make(chan struct{})
	default:
	}
}

func (g *gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
	default:
		close(g.open)
	}
}

func (g *gate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.open
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) AddToCart(ctx context.Context, item cart.Item) (backend.Result, error) {
	if err := g.wait(ctx); err != nil {
		return backend.Result{}, err
	}
	return g.inner.AddToCart(ctx, item)
}

func (g *gate) UpdateQuantity(ctx context.Context, merchandiseID string, quantity int) (backend.Result, error) {
	if err := g.wait(ctx); err != nil {
		return backend.Result{}, err
	}
	return g.inner.UpdateQuantity(ctx, merchandiseID, quantity)
}

func (g *gate) RemoveItem(ctx context.Context, merchandiseID string) (backend.Result, error) {
	if err := g.wait(ctx); err != nil {
		return backend.Result{}, err
	}
	return g.inner.RemoveItem(ctx, merchandiseID)
}

// recorder is the run's journal. It keeps terminal operation records in
// settlement order and forwards everything to an optional inner journal.
type recorder struct {
	inner engine.Journal

	mu   sync.Mutex
	recs []engine.OperationRecord
}

func (r *recorder) RecordOperation(ctx context.Context, rec engine.OperationRecord) error {
	if rec.Status.Terminal() {
		r.mu.Lock()
		r.recs = append(r.recs, rec)
		r.mu.Unlock()
	}
	if r.inner != nil {
		return r.inner.RecordOperation(ctx, rec)
	}
	return nil
}

func (r *recorder) RecordError(ctx context.Context, e engine.CartError) error {
	if r.inner != nil {
		return r.inner.RecordError(ctx, e)
	}
	return nil
}

func (r *recorder) SaveSnapshot(ctx context.Context, c cart.Cart) error {
	if r.inner != nil {
		return r.inner.SaveSnapshot(ctx, c)
	}
	return nil
}

func (r *recorder) settled() []engine.OperationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]engine.OperationRecord, len(r.recs))
	copy(out, r.recs)
	return out
}
