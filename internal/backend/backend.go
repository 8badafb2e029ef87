// Package backend defines the server actions the cart controller calls and
// provides two implementations: Memory, an authoritative in-process cart
// with scripted failures, and HTTPClient, which talks JSON to a hosted
// commerce backend.
package backend

import (
	"context"

	"github.com/roach88/cartsync/internal/cart"
)

// Actions are the remote cart mutations.
type Actions interface {
	AddToCart(ctx context.Context, item cart.Item) (Result, error)
	UpdateQuantity(ctx context.Context, merchandiseID string, quantity int) (Result, error)
	RemoveItem(ctx context.Context, merchandiseID string) (Result, error)
}

// Loader fetches the authoritative cart at session start.
type Loader interface {
	GetCart(ctx context.Context) (cart.Cart, error)
}

// Result is the response to a mutation. Version, CartID and LineID are
// optional authoritative fields the controller merges into its cart.
type Result struct {
	Success bool   `json:"success"`
	Version *int64 `json:"version,omitempty"`
	CartID  string `json:"cartId,omitempty"`
	LineID  string `json:"lineId,omitempty"`
}

// Succeeded reports the success flag.
func (r Result) Succeeded() bool {
	return r.Success
}

// HasFields reports whether the result carries any authoritative field.
func (r Result) HasFields() bool {
	return r.Version != nil || r.CartID != "" || r.LineID != ""
}

// Method names a server action in call logs and failure scripts.
type Method string

const (
	MethodAdd    Method = "addToCart"
	MethodUpdate Method = "updateQuantity"
	MethodRemove Method = "removeItem"
	MethodGet    Method = "getCart"
)

// Call records one invocation of a server action.
type Call struct {
	Seq           int    `json:"seq"`
	Method        Method `json:"method"`
	MerchandiseID string `json:"merchandiseId,omitempty"`
	Quantity      int    `json:"quantity,omitempty"`
	Failed        bool   `json:"failed"`
}
