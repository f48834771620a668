package domain

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount is returned when a monetary amount cannot be parsed or is out of range.
	ErrInvalidAmount = errors.New("domain: invalid amount")

	hundred = decimal.NewFromInt(100)
)

// MinorUnits converts a decimal total to integer minor currency units using round-half-up.
// This is the single conversion point between order totals and provider amounts.
func MinorUnits(total decimal.Decimal) int64 {
	// decimal.Round rounds half away from zero which is half-up for non-negative totals.
	return total.Mul(hundred).Round(0).IntPart()
}

// FromMinorUnits converts integer minor units back to a two-place decimal.
func FromMinorUnits(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}

// ParseAmount parses a persisted decimal string.
func ParseAmount(value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, nil
	}
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, errors.Join(ErrInvalidAmount, err)
	}
	return parsed, nil
}

// FormatAmount renders a decimal for persistence and transport with at least two fractional digits.
func FormatAmount(value decimal.Decimal) string {
	if value.Exponent() >= -2 {
		return value.StringFixed(2)
	}
	return value.String()
}

// SumLines totals price × quantity across the given items.
func SumLines(items []OrderDraftItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}
