package storage

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"finance-tracker/internal/apperrors"
	"finance-tracker/internal/models"

	"github.com/shopspring/decimal"
)

// MaxCategoryLength is the longest category label the stores accept.
const MaxCategoryLength = 50

// Ledger is the set of per-user ledger queries. Both stores implement it on
// their connection pool and inside WithUserTx.
type Ledger interface {
	AppendCash(ctx context.Context, userID int64, amount decimal.Decimal, reason string) (models.CashEntry, error)
	AppendExpense(ctx context.Context, userID int64, category string, amount decimal.Decimal) (models.ExpenseEntry, error)
	ListCash(ctx context.Context, userID int64) ([]models.CashEntry, error)
	ListExpenses(ctx context.Context, userID int64) ([]models.ExpenseEntry, error)
	SumCash(ctx context.Context, userID int64) (decimal.Decimal, error)
	SumExpenses(ctx context.Context, userID int64) (decimal.Decimal, error)
	SumExpensesByCategory(ctx context.Context, userID int64) ([]models.CategoryTotal, error)
	SumExpensesByMonth(ctx context.Context, userID int64) ([]models.MonthTotal, error)
}

// TxFunc runs inside a transaction that holds the user's ledger lock.
type TxFunc func(ctx context.Context, l Ledger) error

// SessionInfo holds session validation data.
type SessionInfo struct {
	User         *models.User
	LastActivity time.Time
	ExpiresAt    time.Time
}

// AmountCents validates a ledger amount and returns it in cents.
func AmountCents(amount decimal.Decimal) (int64, error) {
	cents := models.AmountToCents(amount)
	if cents <= 0 {
		return 0, apperrors.Validation("amount must be positive, got %s", amount.String())
	}
	return cents, nil
}

// NormalizeCategory trims the label and checks it is non-empty and short enough.
func NormalizeCategory(category string) (string, error) {
	category = strings.TrimSpace(category)
	if category == "" {
		return "", apperrors.Validation("category is required")
	}
	if utf8.RuneCountInString(category) > MaxCategoryLength {
		return "", apperrors.Validation("category must be at most %d characters", MaxCategoryLength)
	}
	return category, nil
}

// MonthKey identifies a calendar month.
type MonthKey struct {
	Year  int
	Month int
}

// GroupByMonth sums expenses per UTC calendar month and returns the months in
// chronological order.
func GroupByMonth(expenses []models.ExpenseEntry) []models.MonthTotal {
	sums := make(map[MonthKey]int64)
	var keys []MonthKey
	for _, e := range expenses {
		t := e.CreatedAt.UTC()
		k := MonthKey{Year: t.Year(), Month: int(t.Month())}
		if _, ok := sums[k]; !ok {
			keys = append(keys, k)
		}
		sums[k] += models.AmountToCents(e.Amount)
	}

	slices.SortFunc(keys, func(a, b MonthKey) int {
		if c := cmp.Compare(a.Year, b.Year); c != 0 {
			return c
		}
		return cmp.Compare(a.Month, b.Month)
	})
	totals := make([]models.MonthTotal, 0, len(keys))
	for _, k := range keys {
		totals = append(totals, models.MonthTotal{
			Year:  k.Year,
			Month: k.Month,
			Total: models.AmountFromCents(sums[k]),
		})
	}
	return totals
}
