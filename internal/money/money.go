// Package money holds the fixed-point amount conventions used across the
// ledger. All monetary arithmetic goes through shopspring/decimal; float64
// amounts are never accepted.
package money

import (
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

// MinorDigits is the number of fractional digits amounts are stored with.
const MinorDigits = 4

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Zero returns a zero amount.
func Zero() decimal.Decimal {
	return decimal.Zero
}

// Normalize rounds an amount to the ledger's fixed precision.
func Normalize(d decimal.Decimal) decimal.Decimal {
	return d.Round(MinorDigits)
}

// ParseAmount parses a positive amount with at most MinorDigits fractional
// digits.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("amount must be positive, got %s", d)
	}
	if d.Exponent() < -MinorDigits {
		return decimal.Zero, fmt.Errorf("amount %s exceeds %d fractional digits", d, MinorDigits)
	}
	return Normalize(d), nil
}

// ValidCurrency reports whether code is a 3-letter ISO-style currency code.
func ValidCurrency(code string) bool {
	return currencyPattern.MatchString(code)
}

// Equal compares two amounts at ledger precision.
func Equal(a, b decimal.Decimal) bool {
	return Normalize(a).Equal(Normalize(b))
}
