/*
Package money provides fixed-point monetary amounts.

PURPOSE:
  Every amount the settlement engine persists or compares flows through
  this package. Money is a decimal with exactly two fractional digits,
  backed by decimal.Decimal - never binary floating point.

ROUNDING CONTRACT:
  Intermediate multiplication (hours x rate) may carry more precision,
  but the result is rounded to the minor unit (2 digits, half-up) BEFORE
  it is summed into any total. Totals are therefore always sums of
  already-rounded line amounts; they are never rounded independently.
  Division is not offered - no amount computation in this system divides.

COMPARISONS:
  Equality and ordering are exact. There are no epsilon comparisons.

VALIDATION:
  Computations that require non-negative inputs (hours, rates, adjustment
  magnitudes) return ErrInvalidAmount when given a negative value.

USAGE:
  line, err := money.SegmentAmount(hours, rate) // rounded to minor unit
  total := money.Zero().Add(line)

SEE ALSO:
  - settlement/calculator.go: The only producer of remittance totals
*/
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// minorUnitDigits is the currency's minor unit scale (cents).
const minorUnitDigits = 2

// ErrInvalidAmount is returned when a negative value is supplied to a
// computation that requires non-negative inputs. Use with errors.Is().
var ErrInvalidAmount = errors.New("invalid amount: negative value")

// =============================================================================
// MONEY - Fixed-point amount, always at minor-unit scale
// =============================================================================

// Money is a signed monetary amount with two fractional digits.
// The zero value is 0.00 and is safe to use.
type Money struct {
	value decimal.Decimal
}

// Zero returns 0.00.
func Zero() Money { return Money{} }

// New builds a Money from a decimal, rounding half-up to the minor unit.
func New(d decimal.Decimal) Money {
	return Money{value: roundMinorUnit(d)}
}

// FromString parses a decimal string ("334.76").
func FromString(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return New(d), nil
}

// MustParse is FromString for constants in tests and seed data. Panics on
// malformed input.
func MustParse(s string) Money {
	m, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return m
}

// SegmentAmount computes hours x rate rounded to the minor unit.
// Both inputs must be non-negative; the rate is the snapshot captured when
// the segment was recorded, not a live reference.
func SegmentAmount(hours, rate decimal.Decimal) (Money, error) {
	if hours.IsNegative() {
		return Money{}, fmt.Errorf("money: hours %s: %w", hours, ErrInvalidAmount)
	}
	if rate.IsNegative() {
		return Money{}, fmt.Errorf("money: rate %s: %w", rate, ErrInvalidAmount)
	}
	// Full-precision product, single rounding at the end.
	return New(hours.Mul(rate)), nil
}

// roundMinorUnit rounds half-up to two digits. decimal.Round is
// half-away-from-zero, which is half-up for the non-negative values this
// engine computes; negative Money only ever arises from summing
// already-rounded values, so no further rounding occurs there.
func roundMinorUnit(d decimal.Decimal) decimal.Decimal {
	return d.Round(minorUnitDigits)
}

// =============================================================================
// ARITHMETIC & COMPARISON
// =============================================================================

func (m Money) Add(o Money) Money { return Money{value: m.value.Add(o.value)} }
func (m Money) Sub(o Money) Money { return Money{value: m.value.Sub(o.value)} }
func (m Money) Neg() Money        { return Money{value: m.value.Neg()} }

func (m Money) IsZero() bool     { return m.value.IsZero() }
func (m Money) IsNegative() bool { return m.value.IsNegative() }
func (m Money) IsPositive() bool { return m.value.IsPositive() }

// Equal is exact decimal equality.
func (m Money) Equal(o Money) bool { return m.value.Equal(o.value) }

// Cmp returns -1, 0, or 1.
func (m Money) Cmp(o Money) int { return m.value.Cmp(o.value) }

// =============================================================================
// ENCODING
// =============================================================================

// String renders with exactly two fractional digits ("380.00", "-50.00").
func (m Money) String() string { return m.value.StringFixed(minorUnitDigits) }

// Decimal returns the underlying decimal value.
func (m Money) Decimal() decimal.Decimal { return m.value }

// MarshalJSON renders as a JSON string to preserve exactness on the wire.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON accepts either a JSON string or a bare number.
func (m *Money) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := FromString(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
