// Package ledger is the balance engine: it records cash and expenses while
// keeping every user's remaining balance non-negative, and builds the
// dashboard and analysis views.
package ledger

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"finance-tracker/internal/apperrors"
	"finance-tracker/internal/events"
	"finance-tracker/internal/logging"
	"finance-tracker/internal/metrics"
	"finance-tracker/internal/models"
	"finance-tracker/internal/storage"

	"github.com/shopspring/decimal"
)

const (
	opExpense = "expense"
	opCash    = "cash"
)

// Store is the persistence the engine needs. Both storage backends satisfy it.
type Store interface {
	storage.Ledger
	WithUserTx(ctx context.Context, userID int64, fn storage.TxFunc) error
}

// Publisher receives an event for every committed ledger entry.
type Publisher interface {
	Publish(ctx context.Context, ev events.LedgerEvent) error
}

type Engine struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
	locks     *userLocks
}

type Option func(*Engine)

// WithPublisher sends ledger events to p after each commit.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) {
		e.publisher = p
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		logger: slog.Default(),
		locks:  newUserLocks(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(logging.FieldComponent, "ledger")
	return e
}

// RemainingBalance returns total cash minus total expenses for the user. Both
// sums are read in one transaction.
func (e *Engine) RemainingBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := e.store.WithUserTx(ctx, userID, func(ctx context.Context, l storage.Ledger) error {
		var err error
		balance, err = remainingBalance(ctx, l, userID)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

func remainingBalance(ctx context.Context, l storage.Ledger, userID int64) (decimal.Decimal, error) {
	cash, err := l.SumCash(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	spent, err := l.SumExpenses(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return cash.Sub(spent), nil
}

// RecordExpense validates rawAmount and category and appends the expense when
// the user's remaining balance covers it. The balance is read and the entry
// written under the user's lock, so concurrent calls cannot overdraw.
func (e *Engine) RecordExpense(ctx context.Context, userID int64, category, rawAmount string) (models.ExpenseEntry, error) {
	entry, remaining, err := e.recordExpense(ctx, userID, category, rawAmount)
	metrics.ObserveLedgerOperation(opExpense, err)
	if err != nil {
		e.logFailure(ctx, opExpense, userID, err)
		return models.ExpenseEntry{}, err
	}

	metrics.LedgerAmountTotal.WithLabelValues(opExpense).Add(entry.Amount.InexactFloat64())
	e.logger.InfoContext(ctx, "expense recorded",
		logging.FieldUserID, userID,
		"entry_id", entry.ID,
		"category", entry.Category,
		"amount", entry.Amount.StringFixed(2),
	)
	e.publish(ctx, events.ExpenseRecorded(entry, remaining))
	return entry, nil
}

func (e *Engine) recordExpense(ctx context.Context, userID int64, category, rawAmount string) (models.ExpenseEntry, decimal.Decimal, error) {
	amount, err := ParseAmount(rawAmount)
	if err != nil {
		return models.ExpenseEntry{}, decimal.Zero, err
	}
	category, err = storage.NormalizeCategory(category)
	if err != nil {
		return models.ExpenseEntry{}, decimal.Zero, err
	}

	unlock := e.locks.lock(userID)
	defer unlock()

	var (
		entry     models.ExpenseEntry
		remaining decimal.Decimal
	)
	err = e.store.WithUserTx(ctx, userID, func(ctx context.Context, l storage.Ledger) error {
		balance, err := remainingBalance(ctx, l, userID)
		if err != nil {
			return err
		}
		if amount.GreaterThan(balance) {
			return apperrors.ErrInsufficientBalance.WithCause(
				fmt.Errorf("amount %s exceeds remaining balance %s", amount.StringFixed(2), balance.StringFixed(2)))
		}

		entry, err = l.AppendExpense(ctx, userID, category, amount)
		if err != nil {
			return err
		}
		remaining = balance.Sub(entry.Amount)
		return nil
	})
	return entry, remaining, err
}

// RecordCash validates rawAmount and appends a cash entry with the optional reason.
func (e *Engine) RecordCash(ctx context.Context, userID int64, rawAmount, reason string) (models.CashEntry, error) {
	entry, remaining, err := e.recordCash(ctx, userID, rawAmount, reason)
	metrics.ObserveLedgerOperation(opCash, err)
	if err != nil {
		e.logFailure(ctx, opCash, userID, err)
		return models.CashEntry{}, err
	}

	metrics.LedgerAmountTotal.WithLabelValues(opCash).Add(entry.Amount.InexactFloat64())
	e.logger.InfoContext(ctx, "cash recorded",
		logging.FieldUserID, userID,
		"entry_id", entry.ID,
		"amount", entry.Amount.StringFixed(2),
	)
	e.publish(ctx, events.CashRecorded(entry, remaining))
	return entry, nil
}

func (e *Engine) recordCash(ctx context.Context, userID int64, rawAmount, reason string) (models.CashEntry, decimal.Decimal, error) {
	amount, err := ParseAmount(rawAmount)
	if err != nil {
		return models.CashEntry{}, decimal.Zero, err
	}

	unlock := e.locks.lock(userID)
	defer unlock()

	var (
		entry     models.CashEntry
		remaining decimal.Decimal
	)
	err = e.store.WithUserTx(ctx, userID, func(ctx context.Context, l storage.Ledger) error {
		cash, err := l.SumCash(ctx, userID)
		if err != nil {
			return err
		}
		// Stored sums are int64 cents.
		if cash.Add(amount).GreaterThan(MaxAmount) {
			return apperrors.Validation("total cash would exceed %s", MaxAmount.StringFixed(2))
		}

		entry, err = l.AppendCash(ctx, userID, amount, reason)
		if err != nil {
			return err
		}
		remaining, err = remainingBalance(ctx, l, userID)
		return err
	})
	return entry, remaining, err
}

// DashboardSummary returns the remaining balance and per-category totals,
// read from one transaction.
func (e *Engine) DashboardSummary(ctx context.Context, userID int64) (models.DashboardSummary, error) {
	var summary models.DashboardSummary
	err := e.store.WithUserTx(ctx, userID, func(ctx context.Context, l storage.Ledger) error {
		balance, err := remainingBalance(ctx, l, userID)
		if err != nil {
			return err
		}
		totals, err := l.SumExpensesByCategory(ctx, userID)
		if err != nil {
			return err
		}
		summary = models.DashboardSummary{RemainingBalance: balance, CategoryTotals: totals}
		return nil
	})
	if err != nil {
		e.logFailure(ctx, "dashboard", userID, err)
		return models.DashboardSummary{}, err
	}
	return summary, nil
}

// AnalysisSummary returns monthly totals in chronological order and category
// totals sorted by total descending, ties by category name ascending.
func (e *Engine) AnalysisSummary(ctx context.Context, userID int64) (models.AnalysisSummary, error) {
	var summary models.AnalysisSummary
	err := e.store.WithUserTx(ctx, userID, func(ctx context.Context, l storage.Ledger) error {
		months, err := l.SumExpensesByMonth(ctx, userID)
		if err != nil {
			return err
		}
		totals, err := l.SumExpensesByCategory(ctx, userID)
		if err != nil {
			return err
		}
		SortCategoryTotals(totals)
		summary = models.AnalysisSummary{MonthlyTotals: months, CategoryTotals: totals}
		return nil
	})
	if err != nil {
		e.logFailure(ctx, "analysis", userID, err)
		return models.AnalysisSummary{}, err
	}
	return summary, nil
}

// SortCategoryTotals orders totals by amount descending, then by category name.
func SortCategoryTotals(totals []models.CategoryTotal) {
	slices.SortFunc(totals, func(a, b models.CategoryTotal) int {
		if c := b.Total.Cmp(a.Total); c != 0 {
			return c
		}
		return cmp.Compare(a.Category, b.Category)
	})
}

// CashHistory returns the user's cash entries, newest first.
func (e *Engine) CashHistory(ctx context.Context, userID int64) ([]models.CashEntry, error) {
	return e.store.ListCash(ctx, userID)
}

// ExpenseHistory returns the user's expenses, newest first.
func (e *Engine) ExpenseHistory(ctx context.Context, userID int64) ([]models.ExpenseEntry, error) {
	return e.store.ListExpenses(ctx, userID)
}

func (e *Engine) publish(ctx context.Context, ev events.LedgerEvent) {
	if e.publisher == nil {
		return
	}
	// The entry is already committed; a lost event is logged, not returned.
	if err := e.publisher.Publish(ctx, ev); err != nil {
		metrics.EventPublishFailures.Inc()
		e.logger.WarnContext(ctx, "failed to publish ledger event",
			"type", ev.Type,
			logging.FieldUserID, ev.UserID,
			"entry_id", ev.EntryID,
			logging.FieldError, err,
		)
	}
}

func (e *Engine) logFailure(ctx context.Context, op string, userID int64, err error) {
	switch {
	case errors.Is(err, apperrors.ErrValidation), errors.Is(err, apperrors.ErrInsufficientBalance):
		e.logger.DebugContext(ctx, "ledger operation rejected", "operation", op, logging.FieldUserID, userID, logging.FieldError, err)
	case errors.Is(err, apperrors.ErrUserNotFound):
		e.logger.ErrorContext(ctx, "ledger operation for unknown user", "operation", op, logging.FieldUserID, userID, logging.FieldError, err)
	default:
		e.logger.ErrorContext(ctx, "ledger operation failed", "operation", op, logging.FieldUserID, userID, logging.FieldError, err)
	}
}
