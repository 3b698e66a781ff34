// Package auth handles password hashing, session tokens and credential checks.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"finance-tracker/internal/apperrors"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
)

const sessionTokenBytes = 32

var validate = validator.New(validator.WithRequiredStructEnabled())

// Credentials is a username and password pair as submitted by a user.
type Credentials struct {
	Username string `json:"username" validate:"required,min=3,max=250,printascii"`
	// bcrypt ignores everything past 72 bytes.
	Password string `json:"password" validate:"required,min=4,max=72"`
}

// Validate trims the username and checks both fields.
func (c *Credentials) Validate() error {
	c.Username = strings.TrimSpace(c.Username)
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return apperrors.Validation("%s failed %q check", strings.ToLower(fe.Field()), fe.Tag())
		}
		return apperrors.ErrValidation.WithCause(err)
	}
	return nil
}

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// GenerateSessionToken returns a random hex-encoded token.
func GenerateSessionToken() (string, error) {
	b := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
