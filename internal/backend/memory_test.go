package backend

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cartsync/internal/cart"
)

func item(id string, cents int64) cart.Item {
	return cart.Item{MerchandiseID: id, Quantity: 1, UnitPrice: cart.USD(cents)}
}

func TestMemory_AddAssignsLineAndVersion(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	res, err := m.AddToCart(ctx, item("1", 1000))
	require.NoError(t, err)

	assert.True(t, res.Succeeded())
	require.NotNil(t, res.Version)
	assert.Equal(t, int64(1), *res.Version)
	assert.Equal(t, "cart-1", res.CartID)
	assert.Equal(t, "line-1", res.LineID)

	snap := m.Snapshot()
	require.Len(t, snap.Lines, 1)
	assert.Equal(t, "line-1", snap.Lines[0].ID)
	assert.Equal(t, cart.USD(1000), snap.Cost.Total)
}

func TestMemory_ScriptedOutcomes(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Script(MethodAdd, OutcomeError, OutcomeReject)

	_, err := m.AddToCart(ctx, item("1", 100))
	assert.ErrorIs(t, err, ErrScripted)

	res, err := m.AddToCart(ctx, item("1", 100))
	require.NoError(t, err)
	assert.False(t, res.Succeeded())
	assert.Empty(t, m.Snapshot().Lines, "failed calls leave the cart alone")

	res, err = m.AddToCart(ctx, item("1", 100))
	require.NoError(t, err)
	assert.True(t, res.Succeeded())

	calls := m.Calls()
	require.Len(t, calls, 3)
	assert.True(t, calls[0].Failed)
	assert.True(t, calls[1].Failed)
	assert.False(t, calls[2].Failed)
	assert.Equal(t, []int{1, 2, 3}, []int{calls[0].Seq, calls[1].Seq, calls[2].Seq})
}

func TestMemory_Fallback(t *testing.T) {
	m := NewMemory()
	m.SetFallback(MethodRemove, OutcomeError)

	for i := 0; i < 3; i++ {
		_, err := m.RemoveItem(context.Background(), "x")
		assert.Error(t, err)
	}
	assert.Equal(t, 3, m.CallCount(MethodRemove))
	assert.Equal(t, 0, m.CallCount(MethodAdd))
}

func TestMemory_UpdateAndRemove(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_, _ = m.AddToCart(ctx, item("1", 500))

	res, err := m.UpdateQuantity(ctx, "1", 4)
	require.NoError(t, err)
	assert.Equal(t, "line-1", res.LineID)
	assert.Equal(t, 4, m.Snapshot().TotalQuantity)

	res, err = m.RemoveItem(ctx, "1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.LineID)
	assert.Empty(t, m.Snapshot().Lines)
}

func TestMemory_InitialCartGetsLineIDs(t *testing.T) {
	initial := cart.Apply(cart.Empty("USD"), cart.Add(item("a", 100)))
	m := NewMemory(WithInitialCart(initial), WithCartID("cart-9"))

	c, err := m.GetCart(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "cart-9", c.ID)
	require.Len(t, c.Lines, 1)
	assert.Equal(t, "line-1", c.Lines[0].ID)
}

func TestMemory_MaxInFlight(t *testing.T) {
	m := NewMemory(WithLatency(20 * time.Millisecond))
	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _ = m.AddToCart(context.Background(), item(id, 100))
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 2, m.MaxInFlight())
}

func TestMemory_LatencyHonorsContext(t *testing.T) {
	m := NewMemory(WithLatency(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.AddToCart(ctx, item("a", 100))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, m.Calls())
}
