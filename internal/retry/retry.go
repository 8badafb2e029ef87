// Package retry runs a remote call with bounded exponential backoff.
//
// A call fails when it returns an error or when its outcome reports it was
// not successful. Failed calls are retried up to Policy.MaxRetries times,
// waiting BaseDelay << retryCount between attempts. When the budget is
// spent the give-up callback runs and an *ExhaustedError is returned.
//
// There is no circuit breaker: every Execute call has its own budget.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Defaults for Policy.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 200 * time.Millisecond
)

// maxShift caps the exponent so the delay cannot overflow.
const maxShift = 30

var (
	// ErrUnsuccessful is the failure recorded when a call returned an
	// outcome that reports Succeeded() == false.
	ErrUnsuccessful = errors.New("call reported unsuccessful")

	// ErrExhausted matches every *ExhaustedError via errors.Is.
	ErrExhausted = errors.New("retries exhausted")
)

// Outcome is implemented by call results that carry their own success flag.
type Outcome interface {
	Succeeded() bool
}

// Policy bounds the retry loop.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultPolicy returns 3 retries starting at 200ms.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, BaseDelay: DefaultBaseDelay}
}

// Backoff returns the delay before retry number retryCount+1.
func (p Policy) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > maxShift {
		retryCount = maxShift
	}
	return p.BaseDelay << retryCount
}

// ExhaustedError is returned once every attempt has failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Is makes errors.Is(err, ErrExhausted) true.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}

// IsExhausted reports whether err is or wraps an *ExhaustedError.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}

// Sleeper waits between attempts. It returns early with ctx.Err() when ctx
// is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

// TimerSleeper waits on a real timer.
type TimerSleeper struct{}

func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Executor runs calls under a Policy and records every delay it used.
type Executor struct {
	policy  Policy
	sleeper Sleeper
	logger  *slog.Logger

	mu     sync.Mutex
	delays []time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithSleeper replaces the real timer, typically with a recording fake.
func WithSleeper(s Sleeper) Option {
	return func(e *Executor) {
		e.sleeper = s
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = l
	}
}

// New creates an Executor. A zero Policy field falls back to its default;
// MaxRetries may be set to a negative value to disable retries.
func New(policy Policy, opts ...Option) *Executor {
	if policy.MaxRetries == 0 {
		policy.MaxRetries = DefaultMaxRetries
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultBaseDelay
	}
	e := &Executor{
		policy:  policy,
		sleeper: TimerSleeper{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the effective policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Delays returns every backoff delay used so far, in order.
func (e *Executor) Delays() []time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]time.Duration, len(e.delays))
	copy(out, e.delays)
	return out
}

// ResetDelays clears the delay log.
func (e *Executor) ResetDelays() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delays = nil
}

func (e *Executor) record(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delays = append(e.delays, d)
}

// Execute invokes call until it succeeds or the retry budget is spent.
//
// The attempt argument passed to call starts at 0. onGiveUp, when non-nil,
// runs exactly once before a terminal error is returned, including when ctx
// ends during a backoff wait.
func Execute[R Outcome](ctx context.Context, e *Executor, call func(ctx context.Context, attempt int) (R, error), onGiveUp func()) (R, error) {
	var zero R
	var last error

	for retryCount := 0; ; retryCount++ {
		res, err := call(ctx, retryCount)
		if err == nil && res.Succeeded() {
			if retryCount > 0 {
				e.logger.Debug("call succeeded after retry", "attempt", retryCount+1)
			}
			return res, nil
		}
		if err == nil {
			err = ErrUnsuccessful
		}
		last = err

		if retryCount >= e.policy.MaxRetries {
			break
		}

		delay := e.policy.Backoff(retryCount)
		e.record(delay)
		e.logger.Debug("call failed, backing off",
			"attempt", retryCount+1,
			"delay", delay,
			"error", err,
		)
		if serr := e.sleeper.Sleep(ctx, delay); serr != nil {
			if onGiveUp != nil {
				onGiveUp()
			}
			return zero, fmt.Errorf("retry aborted after %d attempts: %w", retryCount+1, errors.Join(serr, last))
		}
	}

	if onGiveUp != nil {
		onGiveUp()
	}
	attempts := e.policy.MaxRetries + 1
	e.logger.Warn("retries exhausted", "attempts", attempts, "error", last)
	return zero, &ExhaustedError{Attempts: attempts, Last: last}
}
