package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/cartsync/internal/cart"
	"github.com/roach88/cartsync/internal/engine"
)

const operationColumns = `id, seq, cart_id, kind, merchandise_id, quantity, item, status, retry_count, error, submitted_at, settled_at`

// ListOperations returns the operations journaled for a cart in submission
// order (ORDER BY seq ASC, id ASC COLLATE BINARY).
//
// Returns an empty slice (not nil) if none exist.
func (s *Store) ListOperations(ctx context.Context, cartID string) ([]engine.OperationRecord, error) {
	return s.queryOperations(ctx, `
		SELECT `+operationColumns+`
		FROM operations
		WHERE cart_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, cartID)
}

// ListAllOperations returns every journaled operation in submission order.
func (s *Store) ListAllOperations(ctx context.Context) ([]engine.OperationRecord, error) {
	return s.queryOperations(ctx, `
		SELECT `+operationColumns+`
		FROM operations
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`)
}

// ListPending returns operations that never reached a terminal status,
// typically because the process stopped while they were queued.
func (s *Store) ListPending(ctx context.Context) ([]engine.OperationRecord, error) {
	return s.queryOperations(ctx, `
		SELECT `+operationColumns+`
		FROM operations
		WHERE status = 'PENDING'
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`)
}

// GetOperation returns one operation by ID.
func (s *Store) GetOperation(ctx context.Context, id string) (engine.OperationRecord, bool, error) {
	ops, err := s.queryOperations(ctx, `
		SELECT `+operationColumns+`
		FROM operations
		WHERE id = ?
	`, id)
	if err != nil {
		return engine.OperationRecord{}, false, err
	}
	if len(ops) == 0 {
		return engine.OperationRecord{}, false, nil
	}
	return ops[0], true, nil
}

// ListErrors returns the error log for a cart, oldest first.
func (s *Store) ListErrors(ctx context.Context, cartID string) ([]engine.CartError, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.message, e.at, `+prefixed("o", operationColumns)+`
		FROM cart_errors e
		JOIN operations o ON e.operation_id = o.id
		WHERE o.cart_id = ?
		ORDER BY e.id ASC
	`, cartID)
	if err != nil {
		return nil, fmt.Errorf("query errors: %w", err)
	}
	defer rows.Close()

	errs := []engine.CartError{}
	for rows.Next() {
		var ce engine.CartError
		var at string
		rec, err := scanOperation(rows, &ce.Message, &at)
		if err != nil {
			return nil, err
		}
		ce.Operation = rec
		if ce.At, err = parseTime(at); err != nil {
			return nil, err
		}
		errs = append(errs, ce)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate errors: %w", err)
	}
	return errs, nil
}

// LoadSnapshot returns the last confirmed cart for cartID.
func (s *Store) LoadSnapshot(ctx context.Context, cartID string) (cart.Cart, bool, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM snapshots WHERE cart_id = ?`, cartID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return cart.Cart{}, false, nil
	}
	if err != nil {
		return cart.Cart{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	c, err := unmarshalCart(body)
	if err != nil {
		return cart.Cart{}, false, err
	}
	return c, true, nil
}

// MaxSeq returns the highest journaled seq, or 0 for an empty journal.
// Used with engine.NewClockAt to continue numbering across sessions.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM operations`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return seq.Int64, nil
}

func (s *Store) queryOperations(ctx context.Context, query string, args ...any) ([]engine.OperationRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	ops := []engine.OperationRecord{}
	for rows.Next() {
		rec, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return ops, nil
}

// scanOperation scans the operation columns, preceded by any extra
// destinations the query selects first.
func scanOperation(rows *sql.Rows, leading ...any) (engine.OperationRecord, error) {
	var rec engine.OperationRecord
	var kind, status, item, submitted, settled string

	dest := append(leading,
		&rec.ID,
		&rec.Seq,
		&rec.CartID,
		&kind,
		&rec.MerchandiseID,
		&rec.Quantity,
		&item,
		&status,
		&rec.RetryCount,
		&rec.Error,
		&submitted,
		&settled,
	)
	if err := rows.Scan(dest...); err != nil {
		return engine.OperationRecord{}, fmt.Errorf("scan operation: %w", err)
	}

	rec.Kind = cart.Kind(kind)
	rec.Status = engine.Status(status)

	var err error
	if rec.Item, err = unmarshalItem(item); err != nil {
		return engine.OperationRecord{}, err
	}
	if rec.SubmittedAt, err = parseTime(submitted); err != nil {
		return engine.OperationRecord{}, err
	}
	if rec.SettledAt, err = parseTime(settled); err != nil {
		return engine.OperationRecord{}, err
	}
	return rec, nil
}

// prefixed qualifies a comma-separated column list with a table alias.
func prefixed(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
