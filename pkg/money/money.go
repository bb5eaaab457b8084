package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// minorUnitsPerMajor is the fixed multiplier between the display currency and
// its minor unit (rupees to paise). Every conversion in the codebase goes
// through this package so rounding never drifts between call sites.
const minorUnitsPerMajor = 100

var minorFactor = decimal.NewFromInt(minorUnitsPerMajor)

// ToMinor converts a decimal major-unit amount into integer minor units.
// Fractions beyond the minor unit are rejected rather than rounded.
func ToMinor(amount decimal.Decimal) (int64, error) {
	scaled := amount.Mul(minorFactor)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has sub-minor-unit precision", amount)
	}
	return scaled.IntPart(), nil
}

// ParseToMinor converts a decimal string (e.g. "19.99") into minor units.
func ParseToMinor(raw string) (int64, error) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	if amount.IsNegative() {
		return 0, fmt.Errorf("amount %q is negative", raw)
	}
	return ToMinor(amount)
}

// FromMinor converts integer minor units back to a decimal major amount.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.NewFromInt(minor).Div(minorFactor)
}
