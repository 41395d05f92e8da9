// Package btc handles Bitcoin amounts as exact satoshi integers.
// Amounts cross the API as decimal BTC strings ("0.01000000") and are
// stored and compared as satoshis to avoid float drift.
package btc

import (
	"fmt"
	"math/big"
	"strings"
)

// Decimals is the number of decimal places in a BTC amount string.
const Decimals = 8

// ParseBTC converts a decimal BTC string to satoshis.
// "1.5" => 150000000. Negative amounts and malformed strings are rejected.
func ParseBTC(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("negative amount %q", s)
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, fmt.Errorf("malformed amount %q", s)
	}
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return 0, fmt.Errorf("malformed amount %q", s)
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Decimals {
		return 0, fmt.Errorf("amount %q exceeds %d decimal places", s, Decimals)
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	combined := whole + frac
	v, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return 0, fmt.Errorf("malformed amount %q", s)
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("amount %q out of range", s)
	}
	return v.Int64(), nil
}

// FormatBTC converts satoshis to a decimal BTC string with 8 places.
func FormatBTC(sats int64) string {
	neg := sats < 0
	s := big.NewInt(sats).String()
	if neg {
		s = s[1:]
	}
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	out := s[:point] + "." + s[point:]
	if neg {
		out = "-" + out
	}
	return out
}
