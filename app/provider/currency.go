package provider

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

var zeroDecimalCurrencies = map[string]bool{
	"CLP": true,
	"JPY": true,
	"KRW": true,
	"PYG": true,
	"VND": true,
	"ISK": true,
	"UGX": true,
	"XAF": true,
	"XOF": true,
}

func minorUnitDigits(currency string) int {
	if zeroDecimalCurrencies[strings.ToUpper(strings.TrimSpace(currency))] {
		return 0
	}
	return 2
}

// FormatAmount renders a minor-unit amount as the decimal string providers expect.
func FormatAmount(amount int64, currency string) string {
	digits := minorUnitDigits(currency)
	if digits == 0 {
		return strconv.FormatInt(amount, 10)
	}
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}

func ToMajorUnits(amount int64, currency string) float64 {
	return float64(amount) / math.Pow10(minorUnitDigits(currency))
}

func FromMajorUnits(value float64, currency string) int64 {
	return int64(math.Round(value * math.Pow10(minorUnitDigits(currency))))
}

func ParseAmount(raw string, currency string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q", ErrMalformedPayload, raw)
	}
	return FromMajorUnits(value, currency), nil
}
