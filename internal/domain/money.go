// Money helpers. Amounts are stored as integer cents; settings and gateway
// payloads speak decimal strings / floats, so the conversions live here.
package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseAmount converts a decimal amount string ("8.00", "8,50", "8") into
// integer cents. Returns an error for negative or malformed input.
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if f < 0 {
		return 0, fmt.Errorf("negative amount %q", s)
	}
	// Round half-up at the second decimal.
	return int64(f*100 + 0.5), nil
}

// FormatAmount renders cents as a two-decimal string ("6.00").
func FormatAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// AmountToFloat converts cents to the float form external gateways expect.
func AmountToFloat(cents int64) float64 { return float64(cents) / 100 }

// ApplyDiscount subtracts a discount from a base price, clamping at zero —
// a discount larger than the price yields a free order, never a negative one.
func ApplyDiscount(baseCents, discountCents int64) int64 {
	if discountCents >= baseCents {
		return 0
	}
	return baseCents - discountCents
}
