package storage

import (
	"context"
	"database/sql"
	"fmt"

	"finance-tracker/internal/apperrors"
	"finance-tracker/internal/clock"
	"finance-tracker/internal/models"

	"github.com/shopspring/decimal"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type ledgerQueries struct {
	q     querier
	clock clock.Clock
}

// AppendCash inserts a cash entry for the user.
func (l *ledgerQueries) AppendCash(ctx context.Context, userID int64, amount decimal.Decimal, reason string) (models.CashEntry, error) {
	cents, err := AmountCents(amount)
	if err != nil {
		return models.CashEntry{}, err
	}

	now := l.clock.Now().UTC()
	result, err := l.q.ExecContext(ctx,
		"INSERT INTO cash_entries (user_id, amount_cents, reason, created_at) VALUES (?, ?, ?, ?)",
		userID, cents, sql.NullString{String: reason, Valid: reason != ""}, now,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return models.CashEntry{}, apperrors.ErrUserNotFound.WithCause(fmt.Errorf("user id %d", userID))
		}
		return models.CashEntry{}, fmt.Errorf("insert cash entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return models.CashEntry{}, err
	}

	return models.CashEntry{
		ID:        id,
		UserID:    userID,
		Amount:    models.AmountFromCents(cents),
		Reason:    reason,
		CreatedAt: now,
	}, nil
}

// AppendExpense inserts an expense entry for the user. It does not check the
// balance.
func (l *ledgerQueries) AppendExpense(ctx context.Context, userID int64, category string, amount decimal.Decimal) (models.ExpenseEntry, error) {
	cents, err := AmountCents(amount)
	if err != nil {
		return models.ExpenseEntry{}, err
	}
	category, err = NormalizeCategory(category)
	if err != nil {
		return models.ExpenseEntry{}, err
	}

	now := l.clock.Now().UTC()
	result, err := l.q.ExecContext(ctx,
		"INSERT INTO expense_entries (user_id, category, amount_cents, created_at) VALUES (?, ?, ?, ?)",
		userID, category, cents, now,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return models.ExpenseEntry{}, apperrors.ErrUserNotFound.WithCause(fmt.Errorf("user id %d", userID))
		}
		return models.ExpenseEntry{}, fmt.Errorf("insert expense entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return models.ExpenseEntry{}, err
	}

	return models.ExpenseEntry{
		ID:        id,
		UserID:    userID,
		Category:  category,
		Amount:    models.AmountFromCents(cents),
		CreatedAt: now,
	}, nil
}

// ListCash returns the user's cash entries, newest first.
func (l *ledgerQueries) ListCash(ctx context.Context, userID int64) ([]models.CashEntry, error) {
	rows, err := l.q.QueryContext(ctx,
		"SELECT id, amount_cents, reason, created_at FROM cash_entries WHERE user_id = ? ORDER BY created_at DESC, id DESC",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query cash entries: %w", err)
	}
	defer rows.Close()

	entries := []models.CashEntry{}
	for rows.Next() {
		var (
			e      models.CashEntry
			cents  int64
			reason sql.NullString
		)
		if err := rows.Scan(&e.ID, &cents, &reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.UserID = userID
		e.Amount = models.AmountFromCents(cents)
		e.Reason = reason.String
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// ListExpenses returns the user's expense entries, newest first.
func (l *ledgerQueries) ListExpenses(ctx context.Context, userID int64) ([]models.ExpenseEntry, error) {
	rows, err := l.q.QueryContext(ctx,
		"SELECT id, category, amount_cents, created_at FROM expense_entries WHERE user_id = ? ORDER BY created_at DESC, id DESC",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query expense entries: %w", err)
	}
	defer rows.Close()

	entries := []models.ExpenseEntry{}
	for rows.Next() {
		var (
			e     models.ExpenseEntry
			cents int64
		)
		if err := rows.Scan(&e.ID, &e.Category, &cents, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.UserID = userID
		e.Amount = models.AmountFromCents(cents)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// SumCash returns the total of the user's cash entries, zero when there are none.
func (l *ledgerQueries) SumCash(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return l.sum(ctx, "SELECT COALESCE(SUM(amount_cents), 0) FROM cash_entries WHERE user_id = ?", userID)
}

// SumExpenses returns the total of the user's expenses, zero when there are none.
func (l *ledgerQueries) SumExpenses(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return l.sum(ctx, "SELECT COALESCE(SUM(amount_cents), 0) FROM expense_entries WHERE user_id = ?", userID)
}

func (l *ledgerQueries) sum(ctx context.Context, query string, userID int64) (decimal.Decimal, error) {
	var cents int64
	if err := l.q.QueryRowContext(ctx, query, userID).Scan(&cents); err != nil {
		return decimal.Zero, fmt.Errorf("sum entries: %w", err)
	}
	return models.AmountFromCents(cents), nil
}

// SumExpensesByCategory groups the user's expenses by category, ordered by category name.
func (l *ledgerQueries) SumExpensesByCategory(ctx context.Context, userID int64) ([]models.CategoryTotal, error) {
	rows, err := l.q.QueryContext(ctx, `
		SELECT category, SUM(amount_cents), COUNT(*)
		FROM expense_entries
		WHERE user_id = ?
		GROUP BY category
		ORDER BY category
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query category totals: %w", err)
	}
	defer rows.Close()

	totals := []models.CategoryTotal{}
	for rows.Next() {
		var (
			ct    models.CategoryTotal
			cents int64
		)
		if err := rows.Scan(&ct.Category, &cents, &ct.Count); err != nil {
			return nil, err
		}
		ct.Total = models.AmountFromCents(cents)
		totals = append(totals, ct)
	}

	return totals, rows.Err()
}

// SumExpensesByMonth groups the user's expenses by calendar month of their
// creation time in UTC.
func (l *ledgerQueries) SumExpensesByMonth(ctx context.Context, userID int64) ([]models.MonthTotal, error) {
	expenses, err := l.ListExpenses(ctx, userID)
	if err != nil {
		return nil, err
	}
	return GroupByMonth(expenses), nil
}
