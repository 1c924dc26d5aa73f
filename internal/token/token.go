// Package token provides shared parsing and formatting for platform token
// amounts.
//
// Both the deposit token (USDT) and the platform token (APT) use 6 decimal
// places. Amounts cross package boundaries as big.Int values in the smallest
// unit (1 token = 1,000,000 units); human-readable decimal strings exist only
// at the edges.
package token

import (
	"errors"
	"math/big"
	"strings"
)

// Decimals is the decimal precision shared by USDT and APT.
const Decimals = 6

// Kind identifies one of the two tokens the treasury bridges.
type Kind string

const (
	// USDT is the stable-value deposit token.
	USDT Kind = "USDT"
	// APT is the platform utility token.
	APT Kind = "APT"
)

var (
	ErrInvalidAmount  = errors.New("token: invalid amount")
	ErrNegativeAmount = errors.New("token: negative amount")
)

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit big.Int
// representation (1500000).
//
// Rules:
//   - Empty strings and malformed numbers are rejected
//   - Negative amounts are rejected
//   - Fractional digits beyond 6 places are truncated toward zero, never
//     rounded (rounding up could overdraw a balance)
func Parse(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidAmount
	}
	if strings.HasPrefix(s, "-") {
		return nil, ErrNegativeAmount
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, ErrInvalidAmount
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return nil, ErrInvalidAmount
	}
	if whole == "" {
		whole = "0"
	}

	// Pad or truncate the fractional part to exactly 6 digits.
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, ErrInvalidAmount
	}
	return result, nil
}

// MustParse is Parse for known-good literals. It panics on invalid input.
func MustParse(s string) *big.Int {
	v, err := Parse(s)
	if err != nil {
		panic("token: MustParse(" + s + "): " + err.Error())
	}
	return v
}

// Format converts a smallest-unit big.Int to a human-readable decimal string,
// trimming trailing fractional zeros ("1.500000" renders as "1.5", whole
// amounts render without a decimal point). Format is the exact inverse of
// Parse for inputs with at most 6 fractional digits.
func Format(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	split := len(s) - Decimals
	whole, frac := s[:split], s[split:]

	frac = strings.TrimRight(frac, "0")
	out := whole
	if frac != "" {
		out = whole + "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}
