// Package money provides the fixed-point amount type used by every ledger computation.
package money

import (
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places kept on posted amounts.
const Scale int32 = 2

// Tolerance is the default absolute gap accepted when comparing debit and credit totals.
var Tolerance = MustParse("0.01")

// ErrDivisionByZero is returned by Div when the divisor is zero.
var ErrDivisionByZero = errors.New("money: division by zero")

// Amount is an immutable decimal currency value.
type Amount struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Amount{d: decimal.Zero}

// FromInt builds an amount from an integer number of currency units.
func FromInt(v int64) Amount {
	return Amount{d: decimal.NewFromInt(v)}
}

// FromFloat builds an amount from a float. Prefer Parse for user input.
func FromFloat(v float64) Amount {
	return Amount{d: decimal.NewFromFloat(v)}
}

// FromDecimal wraps an existing decimal value.
func FromDecimal(d decimal.Decimal) Amount {
	return Amount{d: d}
}

// Parse reads a decimal string such as "150000.50".
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return Amount{d: d}, nil
}

// MustParse is Parse for constants; it panics on malformed input.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Decimal exposes the underlying decimal value.
func (a Amount) Decimal() decimal.Decimal {
	return a.d
}

// Add returns a+b.
func (a Amount) Add(b Amount) Amount {
	return Amount{d: a.d.Add(b.d)}
}

func (a Amount) Sub(b Amount) Amount {
	return Amount{d: a.d.Sub(b.d)}
}

func (a Amount) Mul(b Amount) Amount {
	return Amount{d: a.d.Mul(b.d)}
}

func (a Amount) Neg() Amount {
	return Amount{d: a.d.Neg()}
}

func (a Amount) Abs() Amount {
	return Amount{d: a.d.Abs()}
}

// MulRate multiplies by a plain float ratio such as 0.10, going through its decimal representation.
func (a Amount) MulRate(rate float64) Amount {
	return Amount{d: a.d.Mul(decimal.NewFromFloat(rate))}
}

// Div divides a by b, keeping 16 fractional digits before any rounding.
func (a Amount) Div(b Amount) (Amount, error) {
	if b.d.IsZero() {
		return Zero, ErrDivisionByZero
	}
	return Amount{d: a.d.DivRound(b.d, 16)}, nil
}

// Round rounds half away from zero to the given number of places.
func (a Amount) Round(places int32) Amount {
	return Amount{d: a.d.Round(places)}
}

// Cents rounds to Scale places.
func (a Amount) Cents() Amount {
	return a.Round(Scale)
}

// Cmp returns -1, 0 or 1 like decimal.Cmp.
func (a Amount) Cmp(b Amount) int {
	return a.d.Cmp(b.d)
}

func (a Amount) Equal(b Amount) bool {
	return a.d.Equal(b.d)
}

func (a Amount) GreaterThan(b Amount) bool {
	return a.d.GreaterThan(b.d)
}

func (a Amount) LessThan(b Amount) bool {
	return a.d.LessThan(b.d)
}

func (a Amount) IsZero() bool {
	return a.d.IsZero()
}

func (a Amount) IsPositive() bool {
	return a.d.IsPositive()
}

func (a Amount) IsNegative() bool {
	return a.d.IsNegative()
}

// EqualWithin reports whether |a-b| <= tolerance.
func (a Amount) EqualWithin(b, tolerance Amount) bool {
	return a.d.Sub(b.d).Abs().LessThanOrEqual(tolerance.d)
}

// String renders the amount with Scale fixed places.
func (a Amount) String() string {
	return a.d.StringFixed(Scale)
}

// Max returns the larger of a and b.
func Max(a, b Amount) Amount {
	if a.d.GreaterThanOrEqual(b.d) {
		return a
	}
	return b
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a.d.LessThanOrEqual(b.d) {
		return a
	}
	return b
}

// Sum adds all amounts.
func Sum(values ...Amount) Amount {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v.d)
	}
	return Amount{d: total}
}

// MarshalJSON encodes the amount as a JSON string to keep precision.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts both quoted strings and bare numbers.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("money: %w", err)
	}
	a.d = d
	return nil
}

// Scan implements sql.Scanner for NUMERIC columns.
func (a *Amount) Scan(value any) error {
	return a.d.Scan(value)
}

// Value implements driver.Valuer.
func (a Amount) Value() (driver.Value, error) {
	return a.d.StringFixed(Scale), nil
}
