package types

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// bridge token uses 18 decimals on every network
const TokenDecimals = 18

var ErrInvalidAmount = errors.New("invalid amount")

// FormatAmount renders a base unit amount as a human decimal string,
// always with at least one fractional digit ("10.0", "0.25").
func FormatAmount(wei *big.Int) string {
	if wei == nil {
		return "0.0"
	}
	s := decimal.NewFromBigInt(wei, -TokenDecimals).String()
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// ParseAmount converts a human decimal string back to base units.
// It refuses anything that does not convert exactly.
func ParseAmount(amount string) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: negative %s", ErrInvalidAmount, amount)
	}
	scaled := d.Shift(TokenDecimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: more than %d decimals in %s", ErrInvalidAmount, TokenDecimals, amount)
	}
	return scaled.BigInt(), nil
}
