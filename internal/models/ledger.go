package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User represents a user account.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session represents a user session.
type Session struct {
	Token     string    `json:"token"`
	UserID    int64     `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CashEntry is a credit to a user's ledger.
type CashEntry struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ExpenseEntry is a categorized debit from a user's ledger.
type ExpenseEntry struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Category  string          `json:"category"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

// CategoryTotal is the sum of a user's expenses in one category.
type CategoryTotal struct {
	Category string          `json:"category"`
	Total    decimal.Decimal `json:"total"`
	Count    int             `json:"count"`
}

// MonthTotal is the sum of a user's expenses in one calendar month (UTC).
type MonthTotal struct {
	Year  int             `json:"year"`
	Month int             `json:"month"`
	Total decimal.Decimal `json:"total"`
}

// DashboardSummary is the dashboard view of a user's ledger.
type DashboardSummary struct {
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
	CategoryTotals   []CategoryTotal `json:"category_totals"`
}

// AnalysisSummary is the spending analysis view of a user's ledger.
type AnalysisSummary struct {
	MonthlyTotals  []MonthTotal    `json:"monthly_totals"`
	CategoryTotals []CategoryTotal `json:"category_totals"`
}

// AmountFromCents converts a stored cent value into a decimal amount.
func AmountFromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// AmountToCents converts an amount into cents, rounding half away from zero.
func AmountToCents(amount decimal.Decimal) int64 {
	return amount.Round(2).Shift(2).IntPart()
}
