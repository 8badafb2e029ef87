package cart

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DefaultCurrency is used for carts that have no lines yet.
const DefaultCurrency = "USD"

// Money is an amount in the currency's minor units (cents for USD).
type Money struct {
	Amount       int64  `json:"amount"`
	CurrencyCode string `json:"currencyCode"`
}

// NewMoney returns amount minor units of the given ISO 4217 currency.
func NewMoney(amount int64, code string) Money {
	return Money{Amount: amount, CurrencyCode: strings.ToUpper(code)}
}

// USD is shorthand for NewMoney(cents, "USD").
func USD(cents int64) Money {
	return Money{Amount: cents, CurrencyCode: "USD"}
}

// Mul returns m multiplied by a quantity.
func (m Money) Mul(q int) Money {
	return Money{Amount: m.Amount * int64(q), CurrencyCode: m.CurrencyCode}
}

// Add sums two amounts. The receiver's currency wins unless it is empty.
func (m Money) Add(o Money) Money {
	code := m.CurrencyCode
	if code == "" {
		code = o.CurrencyCode
	}
	return Money{Amount: m.Amount + o.Amount, CurrencyCode: code}
}

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool {
	return m.Amount == 0
}

// Decimal renders the amount in major units with the currency's standard
// number of fraction digits, e.g. "10.00".
func (m Money) Decimal() string {
	scale := scaleOf(m.CurrencyCode)
	if scale == 0 {
		return strconv.FormatInt(m.Amount, 10)
	}

	neg := m.Amount < 0
	abs := m.Amount
	if neg {
		abs = -abs
	}
	div := int64(math.Pow10(scale))
	s := fmt.Sprintf("%d.%0*d", abs/div, scale, abs%div)
	if neg {
		return "-" + s
	}
	return s
}

// String renders "USD 10.00". The format is locale independent and stable,
// which makes it suitable for logs and traces.
func (m Money) String() string {
	code := m.CurrencyCode
	if code == "" {
		code = DefaultCurrency
	}
	return code + " " + m.Decimal()
}

// Display renders the amount for end users in the given language,
// using the currency symbol (for example "$ 10.00" in English).
func (m Money) Display(tag language.Tag) string {
	unit, err := currency.ParseISO(m.CurrencyCode)
	if err != nil {
		return m.String()
	}
	scale, _ := currency.Standard.Rounding(unit)
	major := float64(m.Amount) / math.Pow10(scale)
	return message.NewPrinter(tag).Sprint(currency.Symbol(unit.Amount(major)))
}

// ParseMoney parses a decimal amount in major units ("10", "10.5", "10.50")
// into minor units of the given currency.
func ParseMoney(s, code string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Money{}, fmt.Errorf("parse money: empty amount")
	}
	if code == "" {
		code = DefaultCurrency
	}
	code = strings.ToUpper(code)
	scale := scaleOf(code)

	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > scale {
		return Money{}, fmt.Errorf("parse money %q: more than %d fraction digits for %s", s, scale, code)
	}
	frac += strings.Repeat("0", scale-len(frac))

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return Money{}, fmt.Errorf("parse money %q: %w", s, err)
	}
	var f int64
	if frac != "" {
		f, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return Money{}, fmt.Errorf("parse money %q: %w", s, err)
		}
	}

	amount := w*int64(math.Pow10(scale)) + f
	if neg {
		amount = -amount
	}
	return Money{Amount: amount, CurrencyCode: code}, nil
}

// scaleOf returns the number of minor-unit digits for an ISO currency code,
// falling back to 2 for unknown or empty codes.
func scaleOf(code string) int {
	if code == "" {
		return 2
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return 2
	}
	scale, _ := currency.Standard.Rounding(unit)
	return scale
}
