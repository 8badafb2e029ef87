package store

import (
	"context"
	"fmt"

	"github.com/roach88/cartsync/internal/cart"
	"github.com/roach88/cartsync/internal/engine"
)

// RecordOperation inserts or advances an operation row.
//
// The first write inserts the row. Later writes update status, retry count,
// error and settle time, but only while the stored row is still PENDING:
// a terminal row never changes again, which makes duplicate writes no-ops.
func (s *Store) RecordOperation(ctx context.Context, rec engine.OperationRecord) error {
	itemJSON, err := marshalItem(rec.Item)
	if err != nil {
		return fmt.Errorf("record operation: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO operations
		(id, seq, cart_id, kind, merchandise_id, quantity, item, status, retry_count, error, submitted_at, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			retry_count = excluded.retry_count,
			error = excluded.error,
			settled_at = excluded.settled_at,
			cart_id = CASE WHEN excluded.cart_id != '' THEN excluded.cart_id ELSE operations.cart_id END
		WHERE operations.status = 'PENDING'
	`,
		rec.ID,
		rec.Seq,
		rec.CartID,
		string(rec.Kind),
		rec.MerchandiseID,
		rec.Quantity,
		itemJSON,
		string(rec.Status),
		rec.RetryCount,
		rec.Error,
		formatTime(rec.SubmittedAt),
		formatTime(rec.SettledAt),
	)
	if err != nil {
		return fmt.Errorf("record operation: %w", err)
	}
	return nil
}

// RecordError appends a cart error row.
//
// Note: The operation referenced by e.Operation.ID must already be
// journaled (foreign key constraint).
func (s *Store) RecordError(ctx context.Context, e engine.CartError) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cart_errors (operation_id, message, at)
		VALUES (?, ?, ?)
	`,
		e.Operation.ID,
		e.Message,
		formatTime(e.At),
	)
	if err != nil {
		return fmt.Errorf("record error: %w", err)
	}
	return nil
}

// SaveSnapshot stores c as the last confirmed cart for its ID. An older
// version never replaces a newer one. Carts without an ID are skipped.
func (s *Store) SaveSnapshot(ctx context.Context, c cart.Cart) error {
	if c.ID == "" {
		return nil
	}
	body, err := marshalCart(c)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (cart_id, version, body)
		VALUES (?, ?, ?)
		ON CONFLICT(cart_id) DO UPDATE SET
			version = excluded.version,
			body = excluded.body
		WHERE excluded.version >= snapshots.version
	`, c.ID, c.Version, body)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}
