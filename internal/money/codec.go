// Package money converts between ledger decimal amounts and the gateway's
// minor-unit integer representation, aware of per-currency precision.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/victorian-socialists/civicrm-stripe/internal/domain"
)

// zeroDecimal lists currencies the gateway bills in whole units.
var zeroDecimal = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {},
	"KRW": {}, "MGA": {}, "PYG": {}, "RWF": {}, "UGX": {}, "VND": {},
	"VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
}

// Precision returns the number of decimal places the currency carries.
func Precision(currency string) int32 {
	if _, ok := zeroDecimal[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return 0
	}
	return 2
}

// ToMinorUnits converts a decimal amount to the gateway's integer minor
// units. Amounts with more precision than the currency defines, zero, or
// negative amounts are rejected.
func ToMinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	if !amount.IsPositive() {
		return 0, fmt.Errorf("%w: amount must be positive, got %s", domain.ErrInvalidAmount, amount)
	}

	shifted := amount.Shift(Precision(currency))
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("%w: %s has more precision than %s allows",
			domain.ErrInvalidAmount, amount, strings.ToUpper(currency))
	}

	return shifted.IntPart(), nil
}

// FromMinorUnits converts gateway minor units back to a decimal amount.
func FromMinorUnits(minor int64, currency string) decimal.Decimal {
	return decimal.NewFromInt(minor).Shift(-Precision(currency))
}
