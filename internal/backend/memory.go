package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/cartsync/internal/cart"
)

// ErrScripted is returned by Memory for calls scripted to fail.
var ErrScripted = errors.New("scripted backend failure")

// Outcome scripts the response of one Memory call.
type Outcome string

const (
	// OutcomeOK applies the mutation and returns a successful result.
	OutcomeOK Outcome = "ok"
	// OutcomeError returns ErrScripted without touching the cart.
	OutcomeError Outcome = "error"
	// OutcomeReject returns Result{Success: false} without touching the cart.
	OutcomeReject Outcome = "reject"
)

// Memory is an authoritative cart held in process. Line IDs are assigned
// from a counter ("line-1", "line-2", ...) and the version increases by one
// per applied mutation, so runs are reproducible.
//
// Thread-safety: Memory is safe for concurrent use. It tracks the highest
// number of calls observed in flight at once, which ordering tests read via
// MaxInFlight.
type Memory struct {
	mu        sync.Mutex
	cart      cart.Cart
	lineSeq   int
	scripts   map[Method][]Outcome
	fallback  map[Method]Outcome
	calls     []Call
	latency   time.Duration
	inFlight  int
	maxFlight int
	logger    *slog.Logger
}

// MemoryOption configures a Memory backend.
type MemoryOption func(*Memory)

// WithInitialCart seeds the authoritative cart. Lines without an ID get one.
func WithInitialCart(c cart.Cart) MemoryOption {
	return func(m *Memory) {
		m.cart = cart.Recompute(c.Clone())
	}
}

// WithCartID sets the ID reported for the cart.
func WithCartID(id string) MemoryOption {
	return func(m *Memory) {
		m.cart.ID = id
	}
}

// WithLatency delays every call by d.
func WithLatency(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.latency = d
	}
}

// WithMemoryLogger sets the logger.
func WithMemoryLogger(l *slog.Logger) MemoryOption {
	return func(m *Memory) {
		m.logger = l
	}
}

// NewMemory creates an empty authoritative cart with ID "cart-1".
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		cart:     cart.Empty(cart.DefaultCurrency),
		scripts:  make(map[Method][]Outcome),
		fallback: make(map[Method]Outcome),
		logger:   slog.Default(),
	}
	m.cart.ID = "cart-1"
	for _, opt := range opts {
		opt(m)
	}
	if m.cart.ID == "" {
		m.cart.ID = "cart-1"
	}
	for i := range m.cart.Lines {
		if m.cart.Lines[i].ID == "" {
			m.lineSeq++
			m.cart.Lines[i].ID = fmt.Sprintf("line-%d", m.lineSeq)
		}
	}
	return m
}

// Script queues outcomes for the next calls of method. Once the queue is
// drained the fallback outcome applies.
func (m *Memory) Script(method Method, outcomes ...Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[method] = append(m.scripts[method], outcomes...)
}

// SetFallback sets the outcome used when no scripted outcome is queued.
// The default is OutcomeOK.
func (m *Memory) SetFallback(method Method, o Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback[method] = o
}

// Calls returns the call log in invocation order.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times method was invoked.
func (m *Memory) CallCount(method Method) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// MaxInFlight returns the highest number of concurrent calls observed.
func (m *Memory) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxFlight
}

// Snapshot returns the authoritative cart.
func (m *Memory) Snapshot() cart.Cart {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cart.Clone()
}

// GetCart implements Loader.
func (m *Memory) GetCart(ctx context.Context) (cart.Cart, error) {
	if err := m.begin(ctx); err != nil {
		return cart.Cart{}, err
	}
	defer m.end()

	m.mu.Lock()
	defer m.mu.Unlock()
	outcome := m.nextLocked(MethodGet)
	m.logLocked(Call{Method: MethodGet, Failed: outcome != OutcomeOK})
	if outcome != OutcomeOK {
		return cart.Cart{}, fmt.Errorf("get cart: %w", ErrScripted)
	}
	return m.cart.Clone(), nil
}

// AddToCart implements Actions.
func (m *Memory) AddToCart(ctx context.Context, item cart.Item) (Result, error) {
	qty := item.Quantity
	if qty == 0 {
		qty = 1
	}
	return m.mutate(ctx, Call{Method: MethodAdd, MerchandiseID: item.MerchandiseID, Quantity: qty}, cart.Add(item))
}

// UpdateQuantity implements Actions.
func (m *Memory) UpdateQuantity(ctx context.Context, merchandiseID string, quantity int) (Result, error) {
	return m.mutate(ctx, Call{Method: MethodUpdate, MerchandiseID: merchandiseID, Quantity: quantity}, cart.Update(merchandiseID, quantity))
}

// RemoveItem implements Actions.
func (m *Memory) RemoveItem(ctx context.Context, merchandiseID string) (Result, error) {
	return m.mutate(ctx, Call{Method: MethodRemove, MerchandiseID: merchandiseID}, cart.Remove(merchandiseID))
}

func (m *Memory) mutate(ctx context.Context, call Call, op cart.Op) (Result, error) {
	if err := m.begin(ctx); err != nil {
		return Result{}, err
	}
	defer m.end()

	m.mu.Lock()
	defer m.mu.Unlock()

	outcome := m.nextLocked(call.Method)
	call.Failed = outcome != OutcomeOK
	m.logLocked(call)

	switch outcome {
	case OutcomeError:
		m.logger.Debug("scripted failure", "method", call.Method, "merchandise_id", call.MerchandiseID)
		return Result{}, fmt.Errorf("%s %s: %w", call.Method, call.MerchandiseID, ErrScripted)
	case OutcomeReject:
		return Result{Success: false}, nil
	}

	if err := op.Validate(); err != nil {
		return Result{Success: false}, nil
	}

	next := cart.Apply(m.cart, op)
	lineID := ""
	for i := range next.Lines {
		if next.Lines[i].ID == "" {
			m.lineSeq++
			next.Lines[i].ID = fmt.Sprintf("line-%d", m.lineSeq)
		}
		if next.Lines[i].MerchandiseID == op.MerchandiseID {
			lineID = next.Lines[i].ID
		}
	}
	m.cart = next

	version := m.cart.Version
	return Result{
		Success: true,
		Version: &version,
		CartID:  m.cart.ID,
		LineID:  lineID,
	}, nil
}

func (m *Memory) begin(ctx context.Context) error {
	m.mu.Lock()
	m.inFlight++
	if m.inFlight > m.maxFlight {
		m.maxFlight = m.inFlight
	}
	latency := m.latency
	m.mu.Unlock()

	if latency <= 0 {
		return nil
	}
	t := time.NewTimer(latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		m.end()
		return ctx.Err()
	}
}

func (m *Memory) end() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight--
}

func (m *Memory) nextLocked(method Method) Outcome {
	if q := m.scripts[method]; len(q) > 0 {
		m.scripts[method] = q[1:]
		return q[0]
	}
	if o, ok := m.fallback[method]; ok {
		return o
	}
	return OutcomeOK
}

func (m *Memory) logLocked(c Call) {
	c.Seq = len(m.calls) + 1
	m.calls = append(m.calls, c)
}
