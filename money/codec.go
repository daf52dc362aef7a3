package money

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by minor-unit amounts.
const Scale = 6

// Symbol prefixes every display amount.
const Symbol = "$"

// ErrInvalidAmount is returned when a display string cannot be parsed.
var ErrInvalidAmount = errors.New("money: invalid amount")

var minorPerUnit = decimal.New(1, Scale)

// ToMinor parses a decimal display amount, stripping an optional leading
// currency symbol, and converts it to minor units. Precision beyond the
// minor-unit scale is truncated toward zero.
func ToMinor(display string) (*big.Int, error) {
	trimmed := strings.TrimSpace(display)
	trimmed = strings.TrimPrefix(trimmed, Symbol)
	trimmed = strings.TrimSpace(trimmed)
	if trimmed == "" {
		return nil, ErrInvalidAmount
	}
	parsed, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, display)
	}
	return parsed.Mul(minorPerUnit).Truncate(0).BigInt(), nil
}

// ToDisplay formats a minor-unit amount as a symbol-prefixed string with two
// decimal places. Sub-cent precision is truncated, not rounded.
func ToDisplay(minor *big.Int) string {
	if minor == nil {
		minor = big.NewInt(0)
	}
	amount := decimal.NewFromBigInt(minor, -Scale)
	return Symbol + amount.Truncate(2).StringFixed(2)
}
