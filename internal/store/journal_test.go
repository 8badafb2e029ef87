package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cartsync/internal/cart"
	"github.com/roach88/cartsync/internal/engine"
)

func TestRecordOperation_PendingThenTerminal(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rec := createTestOperation("op-1", "cart-1", cart.KindAdd, "sku-1", 1)

	require.NoError(t, s.RecordOperation(ctx, rec))

	rec.Status = engine.StatusSuccess
	rec.RetryCount = 2
	rec.SettledAt = testTime.Add(10 * 1e9)
	require.NoError(t, s.RecordOperation(ctx, rec))

	got, ok, err := s.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, engine.StatusSuccess, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.True(t, rec.SettledAt.Equal(got.SettledAt))
	assert.True(t, rec.SubmittedAt.Equal(got.SubmittedAt))
	require.NotNil(t, got.Item)
	assert.Equal(t, cart.USD(1000), got.Item.UnitPrice)
}

func TestRecordOperation_TerminalIsFinal(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rec := createTestOperation("op-1", "cart-1", cart.KindRemove, "sku-1", 1)
	rec.Status = engine.StatusFailed
	rec.Error = "RETRIES_EXHAUSTED"
	require.NoError(t, s.RecordOperation(ctx, rec))

	late := rec
	late.Status = engine.StatusPending
	late.Error = ""
	require.NoError(t, s.RecordOperation(ctx, late))

	got, _, err := s.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusFailed, got.Status)
	assert.Equal(t, "RETRIES_EXHAUSTED", got.Error)
}

func TestRecordOperation_FillsCartIDLater(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rec := createTestOperation("op-1", "", cart.KindAdd, "sku-1", 1)
	require.NoError(t, s.RecordOperation(ctx, rec))

	rec.CartID = "cart-7"
	rec.Status = engine.StatusSuccess
	require.NoError(t, s.RecordOperation(ctx, rec))

	ops, err := s.ListOperations(ctx, "cart-7")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "op-1", ops[0].ID)
}

func TestRecordOperation_RejectsUnknownKind(t *testing.T) {
	s := createTestStore(t)
	rec := createTestOperation("op-1", "cart-1", cart.Kind("BOGUS"), "sku-1", 1)

	assert.Error(t, s.RecordOperation(context.Background(), rec))
}

func TestListOperations_SeqOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	for _, rec := range []engine.OperationRecord{
		createTestOperation("op-c", "cart-1", cart.KindRemove, "a", 3),
		createTestOperation("op-a", "cart-1", cart.KindAdd, "a", 1),
		createTestOperation("op-b", "cart-1", cart.KindUpdate, "a", 2),
		createTestOperation("op-x", "cart-2", cart.KindAdd, "z", 4),
	} {
		require.NoError(t, s.RecordOperation(ctx, rec))
	}

	ops, err := s.ListOperations(ctx, "cart-1")
	require.NoError(t, err)
	ids := []string{}
	for _, op := range ops {
		ids = append(ids, op.ID)
	}
	assert.Equal(t, []string{"op-a", "op-b", "op-c"}, ids)

	all, err := s.ListAllOperations(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	maxSeq, err := s.MaxSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), maxSeq)
}

func TestListOperations_EmptyIsNotNil(t *testing.T) {
	s := createTestStore(t)

	ops, err := s.ListOperations(context.Background(), "none")
	require.NoError(t, err)
	assert.NotNil(t, ops)
	assert.Empty(t, ops)

	seq, err := s.MaxSeq(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)
}

func TestListPending(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	done := createTestOperation("op-1", "cart-1", cart.KindAdd, "a", 1)
	done.Status = engine.StatusSuccess
	require.NoError(t, s.RecordOperation(ctx, done))
	require.NoError(t, s.RecordOperation(ctx, createTestOperation("op-2", "cart-1", cart.KindAdd, "b", 2)))

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "op-2", pending[0].ID)
}

func TestRecordError_RequiresOperation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.RecordError(ctx, engine.CartError{
		Message:   "Failed to add item to cart",
		Operation: engine.OperationRecord{ID: "missing"},
		At:        testTime,
	})
	assert.Error(t, err, "foreign key enforced")
}

func TestListErrors(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rec := createTestOperation("op-1", "cart-1", cart.KindUpdate, "a", 1)
	rec.Status = engine.StatusFailed
	require.NoError(t, s.RecordOperation(ctx, rec))
	require.NoError(t, s.RecordError(ctx, engine.CartError{Message: "Failed to update cart", Operation: rec, At: testTime}))

	errs, err := s.ListErrors(ctx, "cart-1")
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "Failed to update cart", errs[0].Message)
	assert.Equal(t, "op-1", errs[0].Operation.ID)
	assert.Equal(t, engine.StatusFailed, errs[0].Operation.Status)
	assert.True(t, testTime.Equal(errs[0].At))

	none, err := s.ListErrors(ctx, "cart-2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSnapshot_SaveAndLoad(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	c := cart.Apply(cart.Empty("USD"), cart.Add(cart.Item{MerchandiseID: "gid://shop/Variant/1?x=<y>", UnitPrice: cart.USD(250)}))
	c.ID = "cart-1"
	c.Lines[0].ID = "line-1"

	require.NoError(t, s.SaveSnapshot(ctx, c))

	got, ok, err := s.LoadSnapshot(ctx, "cart-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c, got)
}

func TestSnapshot_OlderVersionIgnored(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	newer := cart.Empty("USD")
	newer.ID = "cart-1"
	newer.Version = 5
	older := newer
	older.Version = 3
	older.CheckoutURL = "stale"

	require.NoError(t, s.SaveSnapshot(ctx, newer))
	require.NoError(t, s.SaveSnapshot(ctx, older))

	got, _, err := s.LoadSnapshot(ctx, "cart-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Version)
	assert.Empty(t, got.CheckoutURL)
}

func TestSnapshot_MissingAndAnonymous(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSnapshot(ctx, cart.Empty("USD")), "carts without an id are skipped")

	_, ok, err := s.LoadSnapshot(ctx, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ImplementsJournal(t *testing.T) {
	var _ engine.Journal = createTestStore(t)
}
