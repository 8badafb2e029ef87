package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/cartsync/internal/backend"
)

// AssertionError describes one failed expectation.
type AssertionError struct {
	Field    string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", e.Field, e.Expected, e.Actual)
}

// checkExpect compares the final state of a run with the scenario's
// expectations and records every mismatch on the result.
func checkExpect(exp Expect, r *Result) {
	for _, err := range compare(exp, r) {
		r.AddError(err.Error())
	}
}

func compare(exp Expect, r *Result) []*AssertionError {
	var errs []*AssertionError
	mismatch := func(field string, expected, actual any) {
		errs = append(errs, &AssertionError{
			Field:    field,
			Expected: fmt.Sprint(expected),
			Actual:   fmt.Sprint(actual),
		})
	}

	if exp.Lines != nil {
		actual := make([]string, 0, len(r.Cart.Lines))
		for _, l := range r.Cart.Lines {
			actual = append(actual, fmt.Sprintf("%s x%d", l.MerchandiseID, l.Quantity))
		}
		expected := make([]string, 0, len(exp.Lines))
		for _, l := range exp.Lines {
			expected = append(expected, fmt.Sprintf("%s x%d", l.MerchandiseID, l.Quantity))
		}
		if strings.Join(actual, ", ") != strings.Join(expected, ", ") {
			mismatch("lines", expected, actual)
		}
	}
	if exp.TotalQuantity != nil && *exp.TotalQuantity != r.Cart.TotalQuantity {
		mismatch("total_quantity", *exp.TotalQuantity, r.Cart.TotalQuantity)
	}
	if exp.Total != "" && exp.Total != r.Cart.Cost.Total.String() {
		mismatch("total", exp.Total, r.Cart.Cost.Total.String())
	}
	if exp.Version != nil && *exp.Version != r.Cart.Version {
		mismatch("version", *exp.Version, r.Cart.Version)
	}
	if exp.CartID != "" && exp.CartID != r.Cart.ID {
		mismatch("cart_id", exp.CartID, r.Cart.ID)
	}

	for method, want := range exp.Calls {
		got := 0
		for _, c := range r.Calls {
			if c.Method == backend.Method(method) {
				got++
			}
		}
		if got != want {
			mismatch("calls."+method, want, got)
		}
	}

	if exp.Delays != nil && fmt.Sprint(exp.Delays) != fmt.Sprint(r.Delays) {
		mismatch("delays", exp.Delays, r.Delays)
	}
	if exp.Errors != nil && *exp.Errors != len(r.CartErrors) {
		mismatch("errors", *exp.Errors, len(r.CartErrors))
	}
	if exp.Toasts != nil {
		actual := make([]string, 0, len(r.Toasts))
		for _, t := range r.Toasts {
			actual = append(actual, t.Message)
		}
		if fmt.Sprintf("%q", exp.Toasts) != fmt.Sprintf("%q", actual) {
			mismatch("toasts", fmt.Sprintf("%q", exp.Toasts), fmt.Sprintf("%q", actual))
		}
	}
	if exp.Statuses != nil {
		actual := make([]string, 0, len(r.Settled))
		for _, rec := range r.Settled {
			actual = append(actual, string(rec.Status))
		}
		if fmt.Sprint(exp.Statuses) != fmt.Sprint(actual) {
			mismatch("statuses", exp.Statuses, actual)
		}
	}
	return errs
}
