package cart

import (
	"errors"
	"fmt"
	"reflect"
)

// ErrInvalidQuantity is returned by Op.Validate for negative quantities.
var ErrInvalidQuantity = errors.New("invalid quantity")

// ErrMissingMerchandise is returned by Op.Validate when no merchandise ID is set.
var ErrMissingMerchandise = errors.New("missing merchandise id")

// Option is a selected product option such as Size=M.
type Option struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// Merchandise is the display metadata carried by a line.
type Merchandise struct {
	Title           string   `json:"title,omitempty" yaml:"title,omitempty"`
	ProductID       string   `json:"productId,omitempty" yaml:"product_id,omitempty"`
	ProductHandle   string   `json:"productHandle,omitempty" yaml:"product_handle,omitempty"`
	ProductTitle    string   `json:"productTitle,omitempty" yaml:"product_title,omitempty"`
	SelectedOptions []Option `json:"selectedOptions,omitempty" yaml:"selected_options,omitempty"`
}

// Line is one merchandise entry in a cart. ID is empty until the backend
// has confirmed the line.
type Line struct {
	ID            string      `json:"id,omitempty"`
	MerchandiseID string      `json:"merchandiseId"`
	Quantity      int         `json:"quantity"`
	UnitPrice     Money       `json:"unitPrice"`
	Cost          Money       `json:"cost"`
	Merchandise   Merchandise `json:"merchandise"`
}

// Cost holds cart-level totals.
type Cost struct {
	Subtotal Money `json:"subtotal"`
	Total    Money `json:"total"`
	Tax      Money `json:"tax"`
}

// Cart is an immutable snapshot of the cart.
type Cart struct {
	ID            string `json:"id,omitempty"`
	CheckoutURL   string `json:"checkoutUrl,omitempty"`
	Lines         []Line `json:"lines"`
	TotalQuantity int    `json:"totalQuantity"`
	Cost          Cost   `json:"cost"`
	Version       int64  `json:"version"`
}

// Item is the payload of an ADD operation.
type Item struct {
	MerchandiseID string      `json:"merchandiseId" yaml:"merchandise_id"`
	Quantity      int         `json:"quantity" yaml:"quantity"`
	UnitPrice     Money       `json:"unitPrice" yaml:"-"`
	Merchandise   Merchandise `json:"merchandise" yaml:"merchandise,omitempty"`
}

// Empty returns a cart with no lines and zero totals in the given currency.
func Empty(currency string) Cart {
	if currency == "" {
		currency = DefaultCurrency
	}
	zero := Money{CurrencyCode: currency}
	return Cart{
		Lines: []Line{},
		Cost:  Cost{Subtotal: zero, Total: zero, Tax: zero},
	}
}

// Currency returns the cart's currency code.
func (c Cart) Currency() string {
	if c.Cost.Total.CurrencyCode != "" {
		return c.Cost.Total.CurrencyCode
	}
	for _, l := range c.Lines {
		if l.UnitPrice.CurrencyCode != "" {
			return l.UnitPrice.CurrencyCode
		}
	}
	return DefaultCurrency
}

// Line returns the line for merchandiseID.
func (c Cart) Line(merchandiseID string) (Line, bool) {
	for _, l := range c.Lines {
		if l.MerchandiseID == merchandiseID {
			return l, true
		}
	}
	return Line{}, false
}

// Clone returns a deep copy of c. Snapshots handed to callers are clones so
// that they cannot reach the controller's state.
func (c Cart) Clone() Cart {
	out := c
	out.Lines = make([]Line, len(c.Lines))
	for i, l := range c.Lines {
		if l.Merchandise.SelectedOptions != nil {
			l.Merchandise.SelectedOptions = append([]Option(nil), l.Merchandise.SelectedOptions...)
		}
		out.Lines[i] = l
	}
	return out
}

// Equal reports whether two carts have the same content, ignoring Version.
// A nil and an empty Lines slice compare equal.
func (c Cart) Equal(other Cart) bool {
	a, b := c.Clone(), other.Clone()
	a.Version, b.Version = 0, 0
	return reflect.DeepEqual(a, b)
}

// Recompute returns c with TotalQuantity and Cost derived from its lines.
// Line costs are recomputed from unit prices. Tax is zero.
func Recompute(c Cart) Cart {
	currency := c.Currency()
	total := Money{CurrencyCode: currency}
	qty := 0

	lines := make([]Line, 0, len(c.Lines))
	for _, l := range c.Lines {
		l.Cost = l.UnitPrice.Mul(l.Quantity)
		lines = append(lines, l)
		qty += l.Quantity
		total = total.Add(l.Cost)
	}

	c.Lines = lines
	c.TotalQuantity = qty
	c.Cost = Cost{
		Subtotal: total,
		Total:    total,
		Tax:      Money{CurrencyCode: currency},
	}
	return c
}

// Kind identifies an operation type.
type Kind string

const (
	KindAdd    Kind = "ADD"
	KindUpdate Kind = "UPDATE"
	KindRemove Kind = "REMOVE"
)

// Op is a single cart mutation.
type Op struct {
	Kind          Kind
	MerchandiseID string
	Item          Item
	Quantity      int
}

// Add builds an ADD operation. A zero quantity means 1.
func Add(item Item) Op {
	if item.Quantity == 0 {
		item.Quantity = 1
	}
	return Op{Kind: KindAdd, MerchandiseID: item.MerchandiseID, Item: item, Quantity: item.Quantity}
}

// Update builds an UPDATE operation.
func Update(merchandiseID string, quantity int) Op {
	return Op{Kind: KindUpdate, MerchandiseID: merchandiseID, Quantity: quantity}
}

// Remove builds a REMOVE operation.
func Remove(merchandiseID string) Op {
	return Op{Kind: KindRemove, MerchandiseID: merchandiseID}
}

// Validate checks an operation before it reaches the reducer.
func (o Op) Validate() error {
	if o.MerchandiseID == "" {
		return ErrMissingMerchandise
	}
	switch o.Kind {
	case KindAdd:
		if o.Item.Quantity < 0 {
			return fmt.Errorf("%w: %d", ErrInvalidQuantity, o.Item.Quantity)
		}
		if o.Item.UnitPrice.Amount < 0 {
			return fmt.Errorf("negative unit price for %s", o.MerchandiseID)
		}
	case KindUpdate:
		if o.Quantity < 0 {
			return fmt.Errorf("%w: %d", ErrInvalidQuantity, o.Quantity)
		}
	case KindRemove:
	default:
		return fmt.Errorf("unknown operation kind %q", o.Kind)
	}
	return nil
}

// Targets reports whether applying o to c would change it. ADD always does;
// UPDATE and REMOVE only when a line for the merchandise exists.
func (o Op) Targets(c Cart) bool {
	if o.Kind == KindAdd {
		return true
	}
	_, ok := c.Line(o.MerchandiseID)
	return ok
}
