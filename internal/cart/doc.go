// Package cart holds the cart model and the pure reducer that computes a new
// cart snapshot from a single operation.
//
// Snapshots are values. Apply never mutates its input: every change produces
// a fresh Lines slice, so a snapshot captured before an operation can be
// restored later without copying.
//
// Invariants maintained by Apply:
//   - TotalQuantity == sum of line quantities
//   - Cost.Total == Cost.Subtotal == sum of line costs
//   - line.Cost == line.UnitPrice * line.Quantity
//   - no line has a quantity below 1
//   - Version increases by exactly 1 when the operation changed the cart,
//     and is left untouched when it did not
//
// Operations targeting a merchandise ID without a line (UPDATE or REMOVE
// before the ADD is known locally) return the cart unchanged. They are not
// errors.
package cart
