// Package toast implements a session-scoped notification list.
//
// A Notifier is an explicit object owned by whoever drives a cart session.
// Toasts with a positive Duration dismiss themselves; the rest stay until
// removed, cleared, or their action is triggered.
package toast

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type is the visual category of a toast.
type Type string

const (
	TypeSuccess Type = "success"
	TypeError   Type = "error"
	TypeInfo    Type = "info"
	TypeWarning Type = "warning"
)

// DefaultSuccessDuration is how long success toasts stay visible.
const DefaultSuccessDuration = 3 * time.Second

var (
	ErrNotFound = errors.New("toast not found")
	ErrNoAction = errors.New("toast has no action")
)

// Action is an optional button attached to a toast.
type Action struct {
	Label string `json:"label"`
	Run   func() `json:"-"`
}

// Toast is a single notification.
type Toast struct {
	ID       string        `json:"id"`
	Type     Type          `json:"type"`
	Message  string        `json:"message"`
	Duration time.Duration `json:"duration,omitempty"`
	Action   *Action       `json:"action,omitempty"`
}

// Success builds a self-dismissing success toast.
func Success(message string, d time.Duration) Toast {
	return Toast{Type: TypeSuccess, Message: message, Duration: d}
}

// Failure builds a sticky error toast with an optional action.
func Failure(message string, action *Action) Toast {
	return Toast{Type: TypeError, Message: message, Action: action}
}

// IDGenerator produces toast IDs.
type IDGenerator interface {
	Generate() string
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Scheduler runs f after d and returns a function that cancels it.
type Scheduler func(d time.Duration, f func()) (stop func() bool)

func timerScheduler(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Notifier holds the visible toasts of one session.
//
// Thread-safety: all methods are safe for concurrent use. Listeners are
// invoked without the internal lock held, one list at a time, and never see
// a list older than one already delivered. A listener must not call back
// into the Notifier.
type Notifier struct {
	mu       sync.Mutex
	toasts   []Toast
	timers   map[string]func() bool
	subs     map[int]func([]Toast)
	nextSub  int
	stageSeq uint64

	pubMu     sync.Mutex
	delivered uint64

	ids      IDGenerator
	schedule Scheduler
	logger   *slog.Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithIDGenerator sets the ID source for new toasts.
func WithIDGenerator(g IDGenerator) Option {
	return func(n *Notifier) {
		n.ids = g
	}
}

// WithScheduler replaces time.AfterFunc for auto-dismissal.
func WithScheduler(s Scheduler) Option {
	return func(n *Notifier) {
		n.schedule = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) {
		n.logger = l
	}
}

// New creates an empty Notifier.
func New(opts ...Option) *Notifier {
	n := &Notifier{
		toasts:   []Toast{},
		timers:   make(map[string]func() bool),
		subs:     make(map[int]func([]Toast)),
		ids:      uuidGenerator{},
		schedule: timerScheduler,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Add appends a toast and returns its ID. An ID is generated when t.ID is
// empty. A positive Duration schedules automatic removal.
func (n *Notifier) Add(t Toast) string {
	n.mu.Lock()
	if t.ID == "" {
		t.ID = n.ids.Generate()
	}
	n.toasts = append(n.toasts, t)
	if t.Duration > 0 {
		id := t.ID
		n.timers[id] = n.schedule(t.Duration, func() {
			n.expire(id)
		})
	}
	seq, snapshot := n.stageLocked()
	n.mu.Unlock()

	n.logger.Debug("toast added", "id", t.ID, "type", t.Type, "message", t.Message)
	n.notify(seq, snapshot)
	return t.ID
}

func (n *Notifier) expire(id string) {
	n.mu.Lock()
	delete(n.timers, id)
	removed := n.removeLocked(id)
	seq, snapshot := n.stageLocked()
	n.mu.Unlock()

	if removed {
		n.notify(seq, snapshot)
	}
}

// Remove dismisses a toast. It reports whether the toast was present.
func (n *Notifier) Remove(id string) bool {
	n.mu.Lock()
	if stop, ok := n.timers[id]; ok {
		stop()
		delete(n.timers, id)
	}
	removed := n.removeLocked(id)
	seq, snapshot := n.stageLocked()
	n.mu.Unlock()

	if removed {
		n.notify(seq, snapshot)
	}
	return removed
}

// Clear dismisses every toast.
func (n *Notifier) Clear() {
	n.mu.Lock()
	n.stopTimersLocked()
	n.toasts = []Toast{}
	seq, snapshot := n.stageLocked()
	n.mu.Unlock()

	n.notify(seq, snapshot)
}

// List returns the visible toasts in insertion order.
func (n *Notifier) List() []Toast {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.listLocked()
}

// Get returns one toast by ID.
func (n *Notifier) Get(id string) (Toast, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, t := range n.toasts {
		if t.ID == id {
			return t, true
		}
	}
	return Toast{}, false
}

// Trigger runs the toast's action and dismisses the toast, the way a click
// on the action button would.
func (n *Notifier) Trigger(id string) error {
	t, ok := n.Get(id)
	if !ok {
		return ErrNotFound
	}
	if t.Action == nil || t.Action.Run == nil {
		return ErrNoAction
	}
	n.Remove(id)
	t.Action.Run()
	return nil
}

// Subscribe registers fn to receive the toast list after every change.
// The returned function unregisters it.
func (n *Notifier) Subscribe(fn func([]Toast)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextSub
	n.nextSub++
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

// Close cancels pending auto-dismiss timers. Visible toasts are kept.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopTimersLocked()
}

func (n *Notifier) stopTimersLocked() {
	for id, stop := range n.timers {
		stop()
		delete(n.timers, id)
	}
}

func (n *Notifier) removeLocked(id string) bool {
	for i, t := range n.toasts {
		if t.ID == id {
			next := make([]Toast, 0, len(n.toasts)-1)
			next = append(next, n.toasts[:i]...)
			next = append(next, n.toasts[i+1:]...)
			n.toasts = next
			return true
		}
	}
	return false
}

func (n *Notifier) listLocked() []Toast {
	out := make([]Toast, len(n.toasts))
	copy(out, n.toasts)
	return out
}

// stageLocked stamps the current list for delivery.
func (n *Notifier) stageLocked() (uint64, []Toast) {
	n.stageSeq++
	return n.stageSeq, n.listLocked()
}

// notify delivers snapshot unless a later one has already gone out.
func (n *Notifier) notify(seq uint64, snapshot []Toast) {
	n.pubMu.Lock()
	defer n.pubMu.Unlock()
	if seq <= n.delivered {
		return
	}
	n.delivered = seq

	n.mu.Lock()
	subs := make([]func([]Toast), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}
