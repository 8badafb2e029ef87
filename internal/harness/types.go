package harness

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/cartsync/internal/backend"
	"github.com/roach88/cartsync/internal/cart"
	"github.com/roach88/cartsync/internal/engine"
	"github.com/roach88/cartsync/internal/toast"
)

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true if every expectation matched.
	Pass bool `json:"pass"`

	// Trace is the line-per-event log of the run, compared against golden
	// files.
	Trace []string `json:"trace"`

	// Errors lists failed expectations. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	Cart       cart.Cart                `json:"cart"`
	Calls      []backend.Call           `json:"calls"`
	Delays     []time.Duration          `json:"delays"`
	Toasts     []toast.Toast            `json:"toasts"`
	CartErrors []engine.CartError       `json:"cart_errors"`
	Settled    []engine.OperationRecord `json:"settled"`
}

// NewResult creates a passing result with an empty trace.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []string{},
		Errors: []string{},
	}
}

// AddError records a failed expectation and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) tracef(format string, args ...any) {
	r.Trace = append(r.Trace, fmt.Sprintf(format, args...))
}

// Text renders the trace one event per line.
func (r *Result) Text() string {
	if len(r.Trace) == 0 {
		return ""
	}
	return strings.Join(r.Trace, "\n") + "\n"
}

// summarize renders a cart as "v2 id=cart-1 [1 x2@line-1] total=USD 20.00".
// Unconfirmed lines have no "@id" suffix.
func summarize(c cart.Cart) string {
	var b strings.Builder
	fmt.Fprintf(&b, "v%d", c.Version)
	if c.ID != "" {
		fmt.Fprintf(&b, " id=%s", c.ID)
	}
	b.WriteString(" [")
	for i, l := range c.Lines {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%s x%d", l.MerchandiseID, l.Quantity)
		if l.ID != "" {
			b.WriteString("@" + l.ID)
		}
	}
	fmt.Fprintf(&b, "] total=%s", c.Cost.Total)
	return b.String()
}

// describe renders a mutation step for the trace header.
func describe(s Step) string {
	switch {
	case s.Add != nil:
		qty := s.Add.Quantity
		if qty == 0 {
			qty = 1
		}
		return fmt.Sprintf("add %s x%d", s.Add.MerchandiseID, qty)
	case s.Update != nil:
		return fmt.Sprintf("update %s x%d", s.Update.MerchandiseID, s.Update.Quantity)
	case s.Remove != "":
		return "remove " + s.Remove
	case s.Step != nil:
		return fmt.Sprintf("step %s %s", s.Step.MerchandiseID, s.Step.Step)
	}
	return "?"
}

// errorCode extracts the code prefix of an operation error message.
func errorCode(msg string) string {
	code, _, ok := strings.Cut(msg, ":")
	if !ok {
		return msg
	}
	return code
}
