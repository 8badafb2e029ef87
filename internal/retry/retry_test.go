package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type outcome struct{ ok bool }

func (o outcome) Succeeded() bool { return o.ok }

func noSleep() Option {
	return WithSleeper(SleeperFunc(func(ctx context.Context, d time.Duration) error {
		return nil
	}))
}

// script returns a call that fails the first n attempts.
func script(n int, calls *int) func(ctx context.Context, attempt int) (outcome, error) {
	return func(ctx context.Context, attempt int) (outcome, error) {
		*calls++
		if attempt < n {
			return outcome{}, errors.New("transient")
		}
		return outcome{ok: true}, nil
	}
}

func TestExecute_SuccessFirstTry(t *testing.T) {
	e := New(DefaultPolicy(), noSleep())
	calls := 0

	res, err := Execute(context.Background(), e, script(0, &calls), func() {
		t.Fatal("onGiveUp must not run")
	})

	require.NoError(t, err)
	assert.True(t, res.ok)
	assert.Equal(t, 1, calls)
	assert.Empty(t, e.Delays())
}

func TestExecute_TwoFailuresThenSuccess(t *testing.T) {
	e := New(DefaultPolicy(), noSleep())
	calls := 0

	_, err := Execute(context.Background(), e, script(2, &calls), nil)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, e.Delays())
}

func TestExecute_Exhausted(t *testing.T) {
	e := New(DefaultPolicy(), noSleep())
	calls := 0
	gaveUp := 0

	_, err := Execute(context.Background(), e, script(100, &calls), func() { gaveUp++ })

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExhausted))
	assert.True(t, IsExhausted(err))
	assert.Equal(t, 4, calls, "initial attempt plus three retries")
	assert.Equal(t, 1, gaveUp)
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}, e.Delays())

	var ee *ExhaustedError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 4, ee.Attempts)
	assert.EqualError(t, ee.Last, "transient")
}

func TestExecute_UnsuccessfulOutcomeIsFailure(t *testing.T) {
	e := New(Policy{MaxRetries: 1, BaseDelay: 10 * time.Millisecond}, noSleep())
	calls := 0

	_, err := Execute(context.Background(), e, func(ctx context.Context, attempt int) (outcome, error) {
		calls++
		return outcome{ok: false}, nil
	}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsuccessful)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond}, e.Delays())
}

func TestExecute_NoRetries(t *testing.T) {
	e := New(Policy{MaxRetries: -1}, noSleep())
	calls := 0

	_, err := Execute(context.Background(), e, script(1, &calls), nil)

	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 1, calls)
	assert.Empty(t, e.Delays())
}

func TestExecute_ContextCanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := New(DefaultPolicy(), WithSleeper(SleeperFunc(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	})))
	calls := 0
	gaveUp := false

	_, err := Execute(ctx, e, script(100, &calls), func() { gaveUp = true })

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsExhausted(err))
	assert.True(t, gaveUp)
	assert.Equal(t, 1, calls)
}

func TestExecute_AttemptIndexPassedToCall(t *testing.T) {
	e := New(DefaultPolicy(), noSleep())
	var seen []int

	_, _ = Execute(context.Background(), e, func(ctx context.Context, attempt int) (outcome, error) {
		seen = append(seen, attempt)
		return outcome{ok: attempt == 2}, nil
	}, nil)

	assert.Equal(t, []int{0, 1, 2}, seen)
}

func TestExecutor_ResetDelays(t *testing.T) {
	e := New(DefaultPolicy(), noSleep())
	calls := 0
	_, _ = Execute(context.Background(), e, script(1, &calls), nil)
	require.Len(t, e.Delays(), 1)

	e.ResetDelays()

	assert.Empty(t, e.Delays())
}

func TestPolicy_Backoff(t *testing.T) {
	p := DefaultPolicy()

	assert.Equal(t, 200*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 800*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(-3))
}

func TestTimerSleeper_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := TimerSleeper{}.Sleep(ctx, time.Hour)

	assert.ErrorIs(t, err, context.Canceled)
}
