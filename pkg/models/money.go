package models

import (
	"fmt"
	"strings"
)

// Cents is a fixed-point USD amount in minor units (scale 2).
// All amount math and comparisons run on int64 — never on binary floats.
type Cents int64

// ParseCents parses a decimal money string ("-4.75", "1,234.56", "(19.99)")
// into minor units. Parenthesized values are treated as negative, the
// convention most bank exports use for debits.
func ParseCents(s string) (Cents, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}

	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = s[1 : len(s)-1]
	}
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "-") {
		neg = !neg
		s = s[1:]
	} else if strings.HasPrefix(s, "+") {
		s = s[1:]
	}
	if s == "" {
		return 0, fmt.Errorf("invalid amount %q", s)
	}

	whole := s
	frac := ""
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		whole, frac = s[:idx], s[idx+1:]
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("amount %q exceeds scale 2", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	if whole == "" {
		whole = "0"
	}

	var total int64
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid amount character %q", r)
		}
		total = total*10 + int64(r-'0')
	}
	if neg {
		total = -total
	}
	return Cents(total), nil
}

func (c Cents) String() string {
	v := int64(c)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// Abs returns the magnitude of the amount.
func (c Cents) Abs() Cents {
	if c < 0 {
		return -c
	}
	return c
}

// Float64 is for display and scoring ratios only, never for equality checks.
func (c Cents) Float64() float64 {
	return float64(c) / 100.0
}
