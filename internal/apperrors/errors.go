// Package apperrors defines the domain errors shared by the ledger, the stores
// and the HTTP layer.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Category groups domain errors for logging and metrics.
type Category string

const (
	CategoryValidation   Category = "VALIDATION"
	CategoryBalance      Category = "BALANCE"
	CategoryNotFound     Category = "NOT_FOUND"
	CategoryConflict     Category = "CONFLICT"
	CategoryUnauthorized Category = "UNAUTHORIZED"
)

// DomainError is an error that carries enough information to be shown to a
// user and mapped to an HTTP response.
type DomainError interface {
	error
	Code() string
	Category() Category
	HTTPStatus() int
	Message() string
	Unwrap() error
	WithCause(cause error) DomainError
}

type domainError struct {
	code     string
	category Category
	status   int
	message  string
	cause    error
}

func (e *domainError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *domainError) Code() string {
	return e.code
}

func (e *domainError) Category() Category {
	return e.category
}

func (e *domainError) HTTPStatus() int {
	return e.status
}

func (e *domainError) Message() string {
	return e.message
}

func (e *domainError) Unwrap() error {
	return e.cause
}

// Is reports whether target is a domain error with the same code, so that
// errors.Is keeps working after WithCause.
func (e *domainError) Is(target error) bool {
	t, ok := target.(*domainError)
	return ok && t.code == e.code
}

func (e *domainError) WithCause(cause error) DomainError {
	return &domainError{
		code:     e.code,
		category: e.category,
		status:   e.status,
		message:  e.message,
		cause:    cause,
	}
}

func New(code string, category Category, status int, message string) DomainError {
	return &domainError{
		code:     code,
		category: category,
		status:   status,
		message:  message,
	}
}

// As extracts the DomainError from err's chain.
func As(err error) (DomainError, bool) {
	var de DomainError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// Detail returns the user-facing text for err: the message plus the cause when
// one was attached.
func Detail(err error) string {
	de, ok := As(err)
	if !ok {
		return err.Error()
	}
	if cause := de.Unwrap(); cause != nil {
		return fmt.Sprintf("%s: %v", de.Message(), cause)
	}
	return de.Message()
}

var (
	ErrValidation = New(
		"VALIDATION_FAILED",
		CategoryValidation,
		http.StatusBadRequest,
		"invalid input",
	)

	ErrInsufficientBalance = New(
		"INSUFFICIENT_BALANCE",
		CategoryBalance,
		http.StatusUnprocessableEntity,
		"insufficient balance",
	)

	ErrUserNotFound = New(
		"USER_NOT_FOUND",
		CategoryNotFound,
		http.StatusNotFound,
		"user not found",
	)

	ErrUsernameTaken = New(
		"USERNAME_TAKEN",
		CategoryConflict,
		http.StatusConflict,
		"username already exists",
	)

	ErrSessionNotFound = New(
		"SESSION_NOT_FOUND",
		CategoryUnauthorized,
		http.StatusUnauthorized,
		"session expired or invalid",
	)

	ErrUnauthorized = New(
		"UNAUTHORIZED",
		CategoryUnauthorized,
		http.StatusUnauthorized,
		"authentication required",
	)

	ErrInvalidCredentials = New(
		"INVALID_CREDENTIALS",
		CategoryUnauthorized,
		http.StatusUnauthorized,
		"invalid username or password",
	)
)

// Validation is shorthand for ErrValidation with a formatted cause.
func Validation(format string, args ...any) error {
	return ErrValidation.WithCause(fmt.Errorf(format, args...))
}
