package postgres

import (
	"context"
	"fmt"

	"finance-tracker/internal/apperrors"
	"finance-tracker/internal/clock"
	"finance-tracker/internal/models"
	"finance-tracker/internal/storage"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/shopspring/decimal"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type ledgerQueries struct {
	q     querier
	clock clock.Clock
}

func (l *ledgerQueries) AppendCash(ctx context.Context, userID int64, amount decimal.Decimal, reason string) (models.CashEntry, error) {
	cents, err := storage.AmountCents(amount)
	if err != nil {
		return models.CashEntry{}, err
	}

	var nullableReason *string
	if reason != "" {
		nullableReason = &reason
	}

	e := models.CashEntry{UserID: userID, Amount: models.AmountFromCents(cents), Reason: reason}
	err = l.q.QueryRow(ctx, `
		INSERT INTO cash_entries (user_id, amount_cents, reason, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, userID, cents, nullableReason, l.clock.Now().UTC()).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		if hasCode(err, codeForeignKeyViolation) {
			return models.CashEntry{}, apperrors.ErrUserNotFound.WithCause(fmt.Errorf("user id %d", userID))
		}
		return models.CashEntry{}, fmt.Errorf("insert cash entry: %w", err)
	}
	return e, nil
}

func (l *ledgerQueries) AppendExpense(ctx context.Context, userID int64, category string, amount decimal.Decimal) (models.ExpenseEntry, error) {
	cents, err := storage.AmountCents(amount)
	if err != nil {
		return models.ExpenseEntry{}, err
	}
	category, err = storage.NormalizeCategory(category)
	if err != nil {
		return models.ExpenseEntry{}, err
	}

	e := models.ExpenseEntry{UserID: userID, Category: category, Amount: models.AmountFromCents(cents)}
	err = l.q.QueryRow(ctx, `
		INSERT INTO expense_entries (user_id, category, amount_cents, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, userID, category, cents, l.clock.Now().UTC()).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		if hasCode(err, codeForeignKeyViolation) {
			return models.ExpenseEntry{}, apperrors.ErrUserNotFound.WithCause(fmt.Errorf("user id %d", userID))
		}
		return models.ExpenseEntry{}, fmt.Errorf("insert expense entry: %w", err)
	}
	return e, nil
}

func (l *ledgerQueries) ListCash(ctx context.Context, userID int64) ([]models.CashEntry, error) {
	rows, err := l.q.Query(ctx, `
		SELECT id, amount_cents, COALESCE(reason, ''), created_at
		FROM cash_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query cash entries: %w", err)
	}
	defer rows.Close()

	entries := []models.CashEntry{}
	for rows.Next() {
		var (
			e     models.CashEntry
			cents int64
		)
		if err := rows.Scan(&e.ID, &cents, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.UserID = userID
		e.Amount = models.AmountFromCents(cents)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (l *ledgerQueries) ListExpenses(ctx context.Context, userID int64) ([]models.ExpenseEntry, error) {
	rows, err := l.q.Query(ctx, `
		SELECT id, category, amount_cents, created_at
		FROM expense_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`, userID)
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

func (l *ledgerQueries) SumCash(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return l.sum(ctx, "SELECT COALESCE(SUM(amount_cents), 0)::BIGINT FROM cash_entries WHERE user_id = $1", userID)
}

func (l *ledgerQueries) SumExpenses(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return l.sum(ctx, "SELECT COALESCE(SUM(amount_cents), 0)::BIGINT FROM expense_entries WHERE user_id = $1", userID)
}

func (l *ledgerQueries) sum(ctx context.Context, query string, userID int64) (decimal.Decimal, error) {
	var cents int64
	if err := l.q.QueryRow(ctx, query, userID).Scan(&cents); err != nil {
		return decimal.Zero, fmt.Errorf("sum entries: %w", err)
	}
	return models.AmountFromCents(cents), nil
}

func (l *ledgerQueries) SumExpensesByCategory(ctx context.Context, userID int64) ([]models.CategoryTotal, error) {
	rows, err := l.q.Query(ctx, `
		SELECT category, SUM(amount_cents)::BIGINT, COUNT(*)
		FROM expense_entries
		WHERE user_id = $1
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
			count int64
		)
		if err := rows.Scan(&ct.Category, &cents, &count); err != nil {
			return nil, err
		}
		ct.Total = models.AmountFromCents(cents)
		ct.Count = int(count)
		totals = append(totals, ct)
	}
	return totals, rows.Err()
}

func (l *ledgerQueries) SumExpensesByMonth(ctx context.Context, userID int64) ([]models.MonthTotal, error) {
	rows, err := l.q.Query(ctx, `
		SELECT EXTRACT(YEAR FROM created_at AT TIME ZONE 'UTC')::INT,
		       EXTRACT(MONTH FROM created_at AT TIME ZONE 'UTC')::INT,
		       SUM(amount_cents)::BIGINT
		FROM expense_entries
		WHERE user_id = $1
		GROUP BY 1, 2
		ORDER BY 1, 2
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query month totals: %w", err)
	}
	defer rows.Close()

	totals := []models.MonthTotal{}
	for rows.Next() {
		var (
			year, month int32
			cents       int64
		)
		if err := rows.Scan(&year, &month, &cents); err != nil {
			return nil, err
		}
		totals = append(totals, models.MonthTotal{
			Year:  int(year),
			Month: int(month),
			Total: models.AmountFromCents(cents),
		})
	}
	return totals, rows.Err()
}
