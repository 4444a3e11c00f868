// Package units converts between base-unit integers and human-readable
// decimal amounts.
package units

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Asset describes how one asset of the pair is displayed.
type Asset struct {
	Address  common.Address
	Symbol   string
	Decimals int32
}

// Format renders v base units with the asset's decimals, trimming trailing
// zeros: 9900000000000000000 with 18 decimals is "9.9".
func (a Asset) Format(v *big.Int) string {
	return Format(v, a.Decimals)
}

// FormatWithSymbol is Format followed by the symbol.
func (a Asset) FormatWithSymbol(v *big.Int) string {
	if a.Symbol == "" {
		return a.Format(v)
	}
	return a.Format(v) + " " + a.Symbol
}

// Format renders v base units with the given decimals.
func Format(v *big.Int, decimals int32) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -decimals).String()
}

// MaxDigits bounds parsed amounts to the uint256 range (78 decimal digits).
const MaxDigits = 78

// maxInputLength rejects oversized strings before they are parsed.
const maxInputLength = 256

// Parse converts a human amount such as "1.5" to base units. Amounts with
// more fractional digits than decimals are rejected rather than rounded, and
// so are amounts whose base-unit value would exceed MaxDigits digits.
func Parse(s string, decimals int32) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if len(s) > maxInputLength {
		return nil, fmt.Errorf("units: parse: amount longer than %d characters", maxInputLength)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("units: parse %q: %w", s, err)
	}
	if d.IsZero() {
		return new(big.Int), nil
	}
	// The exponent is unbounded in scientific notation; check the scaled
	// magnitude before Shift materialises it.
	shift := int64(d.Exponent()) + int64(decimals)
	digits := int64(len(new(big.Int).Abs(d.Coefficient()).String()))
	if digits+shift > MaxDigits {
		return nil, fmt.Errorf("units: parse %q: more than %d digits", s, MaxDigits)
	}
	if shift < -MaxDigits {
		return nil, fmt.Errorf("units: parse %q: more than %d decimals", s, decimals)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("units: parse %q: more than %d decimals", s, decimals)
	}
	return scaled.BigInt(), nil
}

// ParseBase parses a base-unit integer string.
func ParseBase(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if len(strings.TrimLeft(s, "+-")) > MaxDigits {
		return nil, fmt.Errorf("units: parse base amount: more than %d digits", MaxDigits)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("units: parse base amount %q", s)
	}
	return v, nil
}
