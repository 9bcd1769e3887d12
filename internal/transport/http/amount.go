package http

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var errBadAmount = errors.New("invalid amount")

// parseKobo converts a decimal naira string ("123.45") into integer kobo.
// Anything finer than a kobo is rejected rather than rounded.
func parseKobo(s string) (int64, error) {
	normalized := strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	amt, err := decimal.NewFromString(normalized)
	if err != nil {
		return 0, errBadAmount
	}
	kobo := amt.Mul(decimal.NewFromInt(100))
	if !kobo.IsInteger() {
		return 0, errBadAmount
	}
	return kobo.IntPart(), nil
}

// formatNaira renders kobo back as a two-decimal naira string.
func formatNaira(kobo int64) string {
	return decimal.NewFromInt(kobo).Div(decimal.NewFromInt(100)).StringFixed(2)
}
