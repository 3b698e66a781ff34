package auth

import (
	"context"
	"log/slog"

	"finance-tracker/internal/models"
)

// UserStore is the part of a store needed to create accounts.
type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	UserCount(ctx context.Context) (int, error)
}

// Register validates the credentials and creates the user.
func Register(ctx context.Context, store UserStore, creds Credentials) (*models.User, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	hash, err := HashPassword(creds.Password)
	if err != nil {
		return nil, err
	}
	return store.CreateUser(ctx, creds.Username, hash)
}

// EnsureAdmin creates the given account when the store has no users yet. It is
// a no-op when username is empty.
func EnsureAdmin(ctx context.Context, store UserStore, username, password string, logger *slog.Logger) error {
	if username == "" {
		return nil
	}

	count, err := store.UserCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	user, err := Register(ctx, store, Credentials{Username: username, Password: password})
	if err != nil {
		return err
	}
	logger.Info("created initial user", "component", "auth", "username", user.Username, "user_id", user.ID)
	return nil
}
