package id

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	clierr "github.com/ggonzalez94/defi-agent/internal/errors"
)

// Plain positional decimals only. Exponents and signs are rejected before decimal sees them.
var decimalPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ToBaseUnits converts a human amount such as "1.5" into the integer base units of a token
// with the given decimals. Digits beyond the token's precision are an error, not rounded.
func ToBaseUnits(amount string, decimals int) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if !decimalPattern.MatchString(amount) {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("amount %q must be a plain decimal like 1.23", amount))
	}
	if decimals < 0 {
		return nil, clierr.New(clierr.CodeUsage, "token decimals must be >= 0")
	}
	v, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "parse amount", err)
	}
	shifted := v.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("amount %s has more precision than the token's %d decimals", amount, decimals))
	}
	return shifted.BigInt(), nil
}

// FormatUnits renders base units as a trimmed decimal string without float rounding.
func FormatUnits(v *big.Int, decimals int) string {
	if v == nil {
		return "0"
	}
	if decimals < 0 {
		decimals = 0
	}
	return decimal.NewFromBigInt(v, int32(-decimals)).String()
}

// FormatDecimal is FormatUnits for a base-unit integer string. Unparseable input renders as "0".
func FormatDecimal(baseUnits string, decimals int) string {
	v, ok := new(big.Int).SetString(strings.TrimSpace(baseUnits), 10)
	if !ok {
		return "0"
	}
	return FormatUnits(v, decimals)
}
