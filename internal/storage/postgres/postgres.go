// Package postgres implements the ledger store on PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"finance-tracker/internal/apperrors"
	"finance-tracker/internal/clock"
	"finance-tracker/internal/models"
	"finance-tracker/internal/storage"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// DB is the PostgreSQL ledger store.
type DB struct {
	*ledgerQueries
	pool  *pgxpool.Pool
	clock clock.Clock
}

// Option configures a DB.
type Option func(*DB)

func WithClock(c clock.Clock) Option {
	return func(db *DB) {
		db.clock = c
	}
}

// Open connects to databaseURL, retrying while the server comes up, and
// applies the embedded migrations.
func Open(ctx context.Context, databaseURL string, logger *slog.Logger, opts ...Option) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute
	cfg.ConnConfig.ConnectTimeout = 5 * time.Second
	cfg.ConnConfig.RuntimeParams = map[string]string{
		"application_name": "finance-tracker",
	}

	const maxAttempts = 10
	const delay = time.Second

	var pool *pgxpool.Pool
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		pool, err = pgxpool.ConnectConfig(ctx, cfg)
		if err == nil {
			break
		}
		logger.Warn("failed to connect to database", "attempt", attempt, "max_attempts", maxAttempts, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to database after %d attempts: %w", maxAttempts, err)
	}

	if err := runMigrations(databaseURL); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("database connection pool initialized", "max_conns", cfg.MaxConns, "min_conns", cfg.MinConns)

	db := &DB{pool: pool, clock: clock.NewRealClock()}
	for _, opt := range opts {
		opt(db)
	}
	db.ledgerQueries = &ledgerQueries{q: pool, clock: db.clock}
	return db, nil
}

func runMigrations(databaseURL string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create iofs source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(databaseURL))
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// migrateURL rewrites a postgres:// URL to the scheme of the pgx migrate driver.
func migrateURL(databaseURL string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(databaseURL, prefix) {
			return "pgx://" + strings.TrimPrefix(databaseURL, prefix)
		}
	}
	return databaseURL
}

func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func (db *DB) Close() error {
	db.pool.Close()
	return nil
}

// WithUserTx runs fn in a transaction holding a row lock on the user, which
// serializes ledger writes for that user across processes.
func (db *DB) WithUserTx(ctx context.Context, userID int64, fn storage.TxFunc) (err error) {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		} else if err != nil {
			_ = tx.Rollback(ctx)
		} else if cerr := tx.Commit(ctx); cerr != nil {
			err = fmt.Errorf("commit transaction: %w", cerr)
		}
	}()

	var id int64
	if err = tx.QueryRow(ctx, "SELECT id FROM users WHERE id = $1 FOR UPDATE", userID).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.ErrUserNotFound.WithCause(fmt.Errorf("user id %d", userID))
		}
		return fmt.Errorf("lock user: %w", err)
	}

	return fn(ctx, &ledgerQueries{q: tx, clock: db.clock})
}

func (db *DB) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	var u models.User
	err := db.pool.QueryRow(ctx, `
		INSERT INTO users (username, password_hash, created_at)
		VALUES ($1, $2, $3)
		RETURNING id, username, password_hash, created_at
	`, username, passwordHash, db.clock.Now().UTC()).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if hasCode(err, codeUniqueViolation) {
			return nil, apperrors.ErrUsernameTaken.WithCause(fmt.Errorf("username %q", username))
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return &u, nil
}

func (db *DB) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	return scanUser(db.pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE id = $1", id))
}

func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return scanUser(db.pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1", username))
}

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (db *DB) UserCount(ctx context.Context) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx, "SELECT COUNT(*) FROM users").Scan(&count)
	return count, err
}

func (db *DB) CreateSession(ctx context.Context, token string, userID int64, expiresAt time.Time) error {
	_, err := db.pool.Exec(ctx,
		"INSERT INTO sessions (token, user_id, expires_at, last_activity) VALUES ($1, $2, $3, $4)",
		token, userID, expiresAt.UTC(), db.clock.Now().UTC(),
	)
	return err
}

func (db *DB) ValidateSession(ctx context.Context, token string) (*models.User, error) {
	info, err := db.ValidateSessionWithInfo(ctx, token)
	if err != nil {
		return nil, err
	}
	return info.User, nil
}

func (db *DB) ValidateSessionWithInfo(ctx context.Context, token string) (*storage.SessionInfo, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT u.id, u.username, u.password_hash, u.created_at, s.last_activity, s.expires_at
		FROM sessions s
		JOIN users u ON s.user_id = u.id
		WHERE s.token = $1 AND s.expires_at > $2
	`, token, db.clock.Now().UTC())

	var u models.User
	var lastActivity, expiresAt time.Time
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt, &lastActivity, &expiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrSessionNotFound
		}
		return nil, err
	}
	return &storage.SessionInfo{User: &u, LastActivity: lastActivity, ExpiresAt: expiresAt}, nil
}

func (db *DB) RenewSession(ctx context.Context, token string, newExpiresAt time.Time) error {
	_, err := db.pool.Exec(ctx,
		"UPDATE sessions SET last_activity = $1, expires_at = $2 WHERE token = $3",
		db.clock.Now().UTC(), newExpiresAt.UTC(), token,
	)
	return err
}

func (db *DB) DeleteSession(ctx context.Context, token string) error {
	_, err := db.pool.Exec(ctx, "DELETE FROM sessions WHERE token = $1", token)
	return err
}

func (db *DB) CleanExpiredSessions(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx, "DELETE FROM sessions WHERE expires_at <= $1", db.clock.Now().UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
