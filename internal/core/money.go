// Package core holds the canonical domain model and its fixed-point
// arithmetic. Monetary values are int64 cents and quantities (hours, days)
// are int64 thousandths; binary floating point is never used for sums.
package core

import (
	"strconv"
	"strings"
	"unicode"
)

// ParseDecimalToCents converts a canonical dot-decimal string to cents with
// half-up rounding on the third decimal place. Input must already be
// locale-normalized (no thousands separators, dot as decimal separator).
// Negative values are rejected; zero is allowed.
func ParseDecimalToCents(s string) (int64, error) {
	return parseFixed(s, 2, ErrInvalidAmount)
}

// ParseDecimalToMilli converts a canonical dot-decimal string to thousandths
// with half-up rounding on the fourth decimal place.
func ParseDecimalToMilli(s string) (int64, error) {
	return parseFixed(s, 3, ErrInvalidQuantity)
}

func parseFixed(s string, places int, invalid error) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, invalid
	}
	if strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		// Only unsigned values are accepted.
		return 0, invalid
	}
	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, invalid
	}
	intPart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if len(parts) == 2 && fracPart == "" {
		return 0, invalid
	}
	if intPart == "" {
		intPart = "0"
	}
	for _, r := range intPart {
		if !unicode.IsDigit(r) {
			return 0, invalid
		}
	}
	for _, r := range fracPart {
		if !unicode.IsDigit(r) {
			return 0, invalid
		}
	}
	iv, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, invalid
	}
	scale := int64(1)
	for i := 0; i < places; i++ {
		scale *= 10
	}
	const maxInt64 = 1<<63 - 1
	if iv > maxInt64/scale {
		return 0, invalid
	}
	var frac int64
	mult := scale / 10
	for i := 0; i < len(fracPart) && i < places; i++ {
		frac += int64(fracPart[i]-'0') * mult
		mult /= 10
	}
	// Half-up rounding on the first dropped digit.
	if len(fracPart) > places && fracPart[places] >= '5' {
		frac++
	}
	return iv*scale + frac, nil
}

// FormatCents renders cents as a canonical dot-decimal string with trailing
// zeros trimmed ("12.34", "12.3", "100").
func FormatCents(cents int64) string {
	return formatFixed(cents, 100)
}

// FormatMilli renders thousandths the same way ("1.5", "0.125", "10").
func FormatMilli(milli int64) string {
	return formatFixed(milli, 1000)
}

func formatFixed(v, scale int64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	whole := v / scale
	rem := v % scale
	s := strconv.FormatInt(whole, 10)
	if rem != 0 {
		width := len(strconv.FormatInt(scale, 10)) - 1
		frac := strconv.FormatInt(rem, 10)
		for len(frac) < width {
			frac = "0" + frac
		}
		frac = strings.TrimRight(frac, "0")
		s += "." + frac
	}
	if neg {
		return "-" + s
	}
	return s
}

// Amount returns the value as a float64 for display purposes only.
// Use cents for all calculations.
func (m Money) Amount() float64 {
	return float64(m.Cents) / 100.0
}

// Float returns the quantity as a float64 for display purposes only.
func (q Quantity) Float() float64 {
	return float64(q.Milli) / 1000.0
}

func (m Money) String() string {
	return FormatCents(m.Cents)
}

func (q Quantity) String() string {
	return FormatMilli(q.Milli)
}
