package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/cartsync/internal/cart"
	"github.com/roach88/cartsync/internal/engine"
)

// createTestStore creates a new journal in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestOperation creates a PENDING operation record.
func createTestOperation(id, cartID string, kind cart.Kind, merchandiseID string, seq int64) engine.OperationRecord {
	rec := engine.OperationRecord{
		ID:            id,
		Seq:           seq,
		CartID:        cartID,
		Kind:          kind,
		MerchandiseID: merchandiseID,
		SubmittedAt:   testTime.Add(time.Duration(seq) * time.Second),
		Status:        engine.StatusPending,
	}
	if kind == cart.KindAdd {
		rec.Item = &cart.Item{MerchandiseID: merchandiseID, Quantity: 1, UnitPrice: cart.USD(1000)}
		rec.Quantity = 1
	}
	return rec
}
