package postgres

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"finance-tracker/internal/apperrors"
	"finance-tracker/internal/clock"
	"finance-tracker/internal/models"
	"finance-tracker/internal/storage"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx://u:p@localhost:5432/db", migrateURL("postgres://u:p@localhost:5432/db"))
	assert.Equal(t, "pgx://u:p@localhost/db?sslmode=disable", migrateURL("postgresql://u:p@localhost/db?sslmode=disable"))
	assert.Equal(t, "pgx://already", migrateURL("pgx://already"))
}

// PostgresTestSuite runs against the database named by TEST_DATABASE_URL.
type PostgresTestSuite struct {
	suite.Suite
	ctx   context.Context
	clock *clock.MockClock
	db    *DB
	user  *models.User
}

func TestPostgresTestSuite(t *testing.T) {
	if os.Getenv("TEST_DATABASE_URL") == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	suite.Run(t, new(PostgresTestSuite))
}

func (suite *PostgresTestSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.clock = clock.NewMockClock(time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := Open(suite.ctx, os.Getenv("TEST_DATABASE_URL"), logger, WithClock(suite.clock))
	require.NoError(suite.T(), err)
	suite.db = db

	_, err = db.pool.Exec(suite.ctx, "TRUNCATE users, sessions, cash_entries, expense_entries RESTART IDENTITY CASCADE")
	require.NoError(suite.T(), err)

	user, err := db.CreateUser(suite.ctx, "alice", "hash")
	require.NoError(suite.T(), err)
	suite.user = user
}

func (suite *PostgresTestSuite) TearDownTest() {
	if suite.db != nil {
		suite.db.Close()
	}
}

func (suite *PostgresTestSuite) TestDuplicateUsername() {
	_, err := suite.db.CreateUser(suite.ctx, "alice", "other")
	assert.ErrorIs(suite.T(), err, apperrors.ErrUsernameTaken)
}

func (suite *PostgresTestSuite) TestAppendAndSum() {
	_, err := suite.db.AppendCash(suite.ctx, suite.user.ID, decimal.RequireFromString("100"), "")
	require.NoError(suite.T(), err)
	_, err = suite.db.AppendExpense(suite.ctx, suite.user.ID, "food", decimal.RequireFromString("12.34"))
	require.NoError(suite.T(), err)

	cash, err := suite.db.SumCash(suite.ctx, suite.user.ID)
	require.NoError(suite.T(), err)
	spent, err := suite.db.SumExpenses(suite.ctx, suite.user.ID)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "87.66", cash.Sub(spent).StringFixed(2))

	entries, err := suite.db.ListCash(suite.ctx, suite.user.ID)
	require.NoError(suite.T(), err)
	require.Len(suite.T(), entries, 1)
	assert.Empty(suite.T(), entries[0].Reason)
}

func (suite *PostgresTestSuite) TestAppendUnknownUser() {
	_, err := suite.db.AppendCash(suite.ctx, suite.user.ID+100, decimal.RequireFromString("1"), "")
	assert.ErrorIs(suite.T(), err, apperrors.ErrUserNotFound)
}

func (suite *PostgresTestSuite) TestSumExpensesByMonthSeparatesYears() {
	suite.clock.Set(time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC))
	_, err := suite.db.AppendExpense(suite.ctx, suite.user.ID, "rent", decimal.RequireFromString("10"))
	require.NoError(suite.T(), err)
	suite.clock.Set(time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC))
	_, err = suite.db.AppendExpense(suite.ctx, suite.user.ID, "rent", decimal.RequireFromString("20"))
	require.NoError(suite.T(), err)

	months, err := suite.db.SumExpensesByMonth(suite.ctx, suite.user.ID)
	require.NoError(suite.T(), err)
	require.Len(suite.T(), months, 2)
	assert.Equal(suite.T(), 2025, months[0].Year)
	assert.Equal(suite.T(), 2026, months[1].Year)
	assert.Equal(suite.T(), "20.00", months[1].Total.StringFixed(2))
}

func (suite *PostgresTestSuite) TestWithUserTxSerializesWriters() {
	_, err := suite.db.AppendCash(suite.ctx, suite.user.ID, decimal.RequireFromString("10"), "")
	require.NoError(suite.T(), err)

	var wg sync.WaitGroup
	results := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- suite.db.WithUserTx(suite.ctx, suite.user.ID, func(ctx context.Context, l storage.Ledger) error {
				cash, err := l.SumCash(ctx, suite.user.ID)
				if err != nil {
					return err
				}
				spent, err := l.SumExpenses(ctx, suite.user.ID)
				if err != nil {
					return err
				}
				amount := decimal.RequireFromString("4")
				if amount.GreaterThan(cash.Sub(spent)) {
					return apperrors.ErrInsufficientBalance
				}
				_, err = l.AppendExpense(ctx, suite.user.ID, "food", amount)
				return err
			})
		}()
	}
	wg.Wait()
	close(results)

	var ok int
	for err := range results {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(suite.T(), err, apperrors.ErrInsufficientBalance)
		}
	}
	assert.Equal(suite.T(), 2, ok)
}
