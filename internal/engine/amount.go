package engine

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	clierr "github.com/ggonzalez94/defi-agent/internal/errors"
	"github.com/ggonzalez94/defi-agent/internal/id"
)

type AmountKind string

const (
	AmountBaseUnits AmountKind = "base_units"
	AmountDecimal   AmountKind = "decimal"
	AmountPercent   AmountKind = "percent"
)

var (
	baseUnitsPattern = regexp.MustCompile(`^[0-9]+$`)
	percentPattern   = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*%$`)
)

// Amount is a parsed amount expression: base units, a decimal, a share of balance, or max.
type Amount struct {
	Kind  AmountKind
	Raw   string
	Value decimal.Decimal
}

// ParseAmount reads expr as base units ("1500000"), a percentage of balance ("25%") or "max".
// decimalExpr, when set, is a human decimal ("1.5") and excludes expr.
func ParseAmount(expr, decimalExpr string) (Amount, error) {
	expr = strings.TrimSpace(expr)
	decimalExpr = strings.TrimSpace(decimalExpr)
	switch {
	case expr == "" && decimalExpr == "":
		return Amount{}, clierr.New(clierr.CodeUsage, "amount is required")
	case expr != "" && decimalExpr != "":
		return Amount{}, clierr.New(clierr.CodeUsage, "use either amount or amount_decimal, not both")
	case decimalExpr != "":
		v, err := decimal.NewFromString(decimalExpr)
		if err != nil || !v.IsPositive() {
			return Amount{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid decimal amount %q", decimalExpr))
		}
		return Amount{Kind: AmountDecimal, Raw: decimalExpr, Value: v}, nil
	}

	if strings.EqualFold(expr, "max") {
		return Amount{Kind: AmountPercent, Raw: expr, Value: decimal.NewFromInt(100)}, nil
	}
	if m := percentPattern.FindStringSubmatch(expr); m != nil {
		pct, err := decimal.NewFromString(m[1])
		if err != nil || !pct.IsPositive() || pct.GreaterThan(decimal.NewFromInt(100)) {
			return Amount{}, clierr.New(clierr.CodeUsage, "percentage amount must be greater than 0% and at most 100%")
		}
		return Amount{Kind: AmountPercent, Raw: expr, Value: pct}, nil
	}
	if baseUnitsPattern.MatchString(expr) {
		v, err := decimal.NewFromString(expr)
		if err != nil || !v.IsPositive() {
			return Amount{}, clierr.New(clierr.CodeUsage, "amount must be a positive integer in base units")
		}
		return Amount{Kind: AmountBaseUnits, Raw: expr, Value: v}, nil
	}
	return Amount{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid amount %q: expected base units, a percentage like 25%%, or max", expr))
}

// NeedsBalance reports whether resolving the amount reads the current balance.
func (a Amount) NeedsBalance() bool { return a.Kind == AmountPercent }

// BaseUnits converts the amount for a token with decimals. balance is only used for percentages,
// which round down.
func (a Amount) BaseUnits(decimals int, balance *big.Int) (*big.Int, error) {
	switch a.Kind {
	case AmountBaseUnits:
		return a.Value.BigInt(), nil
	case AmountDecimal:
		return id.ToBaseUnits(a.Raw, decimals)
	case AmountPercent:
		if balance == nil || balance.Sign() <= 0 {
			return nil, clierr.New(clierr.CodeInsufficientFunds, "balance is zero")
		}
		out := decimal.NewFromBigInt(balance, 0).Mul(a.Value).Div(decimal.NewFromInt(100)).Floor().BigInt()
		if out.Sign() <= 0 {
			return nil, clierr.New(clierr.CodeInsufficientFunds, fmt.Sprintf("%s of balance rounds to zero", a.Raw))
		}
		return out, nil
	default:
		return nil, clierr.New(clierr.CodeUsage, "unknown amount kind")
	}
}
