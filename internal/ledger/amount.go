package ledger

import (
	"math"
	"strings"

	"finance-tracker/internal/apperrors"

	"github.com/shopspring/decimal"
)

const maxAmountInputLength = 32

// MaxAmount is the largest amount a single entry may carry.
var MaxAmount = decimal.New(math.MaxInt64, -2).Truncate(0)

// ParseAmount parses user input into a positive amount rounded to cents.
func ParseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, apperrors.Validation("amount is required")
	}
	if len(raw) > maxAmountInputLength {
		return decimal.Zero, apperrors.Validation("amount is too long")
	}

	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, apperrors.Validation("amount %q is not a number", raw)
	}
	if amount.Exponent() > 18 {
		return decimal.Zero, apperrors.Validation("amount %q is too large", raw)
	}

	amount = amount.Round(2)
	if !amount.IsPositive() {
		return decimal.Zero, apperrors.Validation("amount must be at least 0.01, got %q", raw)
	}
	if amount.GreaterThan(MaxAmount) {
		return decimal.Zero, apperrors.Validation("amount %q is too large", raw)
	}
	return amount, nil
}
