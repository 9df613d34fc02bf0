package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places every stored balance and amount carries.
const Scale = 4

// Round normalizes a decimal to the stored scale, rounding half up.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// Parse converts raw input into a scaled decimal.
func Parse(value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	return Round(d), nil
}

// IsPositive reports whether the amount is strictly greater than zero.
func IsPositive(d decimal.Decimal) bool {
	return d.GreaterThan(decimal.Zero)
}

// Min returns the smaller of two decimals.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
