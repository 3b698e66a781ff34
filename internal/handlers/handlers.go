package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"finance-tracker/internal/apperrors"
	"finance-tracker/internal/auth"
	"finance-tracker/internal/clock"
	"finance-tracker/internal/logging"
	"finance-tracker/internal/models"
	"finance-tracker/internal/storage"

	"github.com/shopspring/decimal"
)

// Context key type to avoid collisions.
type contextKey string

const (
	// UserContextKey is the context key for the authenticated user.
	UserContextKey contextKey = "user"
	// SessionCookieName is the name of the session cookie.
	SessionCookieName = "session"
	// DefaultSessionDuration is how long sessions last unless configured (30 days).
	DefaultSessionDuration = 30 * 24 * time.Hour
)

// Store is the account and session storage used by the handlers.
type Store interface {
	auth.UserStore
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	CreateSession(ctx context.Context, token string, userID int64, expiresAt time.Time) error
	ValidateSessionWithInfo(ctx context.Context, token string) (*storage.SessionInfo, error)
	RenewSession(ctx context.Context, token string, newExpiresAt time.Time) error
	DeleteSession(ctx context.Context, token string) error
	Ping(ctx context.Context) error
}

// Engine is the balance engine as seen by the handlers.
type Engine interface {
	RemainingBalance(ctx context.Context, userID int64) (decimal.Decimal, error)
	RecordExpense(ctx context.Context, userID int64, category, rawAmount string) (models.ExpenseEntry, error)
	RecordCash(ctx context.Context, userID int64, rawAmount, reason string) (models.CashEntry, error)
	DashboardSummary(ctx context.Context, userID int64) (models.DashboardSummary, error)
	AnalysisSummary(ctx context.Context, userID int64) (models.AnalysisSummary, error)
	CashHistory(ctx context.Context, userID int64) ([]models.CashEntry, error)
	ExpenseHistory(ctx context.Context, userID int64) ([]models.ExpenseEntry, error)
}

type Config struct {
	Store           Store
	Engine          Engine
	Logger          *slog.Logger
	Clock           clock.Clock
	SessionDuration time.Duration
	SecureCookie    bool
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	store           Store
	engine          Engine
	logger          *slog.Logger
	clock           clock.Clock
	sessionDuration time.Duration
	secureCookie    bool
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg Config) *Handlers {
	h := &Handlers{
		store:           cfg.Store,
		engine:          cfg.Engine,
		logger:          cfg.Logger,
		clock:           cfg.Clock,
		sessionDuration: cfg.SessionDuration,
		secureCookie:    cfg.SecureCookie,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With(logging.FieldComponent, "http")
	if h.clock == nil {
		h.clock = clock.NewRealClock()
	}
	if h.sessionDuration <= 0 {
		h.sessionDuration = DefaultSessionDuration
	}
	return h
}

// GetUserFromContext retrieves the authenticated user from request context.
func GetUserFromContext(r *http.Request) *models.User {
	if user, ok := r.Context().Value(UserContextKey).(*models.User); ok {
		return user
	}
	return nil
}

// sessionToken returns the token from the session cookie or, failing that,
// from an "Authorization: Bearer" header.
func sessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// AuthMiddleware wraps handlers to require authentication.
// It also implements rolling sessions: if a session is past the halfway point
// of its lifetime, it automatically renews the session.
func (h *Handlers) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := sessionToken(r)
		if token == "" {
			h.handleError(w, r, apperrors.ErrUnauthorized)
			return
		}

		sessionInfo, err := h.store.ValidateSessionWithInfo(r.Context(), token)
		if err != nil {
			if errors.Is(err, apperrors.ErrSessionNotFound) {
				h.clearSessionCookie(w)
			}
			h.handleError(w, r, err)
			return
		}

		now := h.clock.Now()
		if sessionInfo.ExpiresAt.Sub(now) < h.sessionDuration/2 {
			newExpiresAt := now.Add(h.sessionDuration)
			if err := h.store.RenewSession(r.Context(), token, newExpiresAt); err == nil {
				h.setSessionCookie(w, token)
			} else {
				// The current session is still valid; keep serving it.
				h.logger.WarnContext(r.Context(), "failed to renew session", logging.FieldError, err)
			}
		}

		ctx := context.WithValue(r.Context(), UserContextKey, sessionInfo.User)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type userResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type loginResponse struct {
	User      userResponse `json:"user"`
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// Register creates an account.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var creds auth.Credentials
	if err := decodeJSON(r, &creds); err != nil {
		h.handleError(w, r, err)
		return
	}

	user, err := auth.Register(r.Context(), h.store, creds)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "user registered", logging.FieldUserID, user.ID, "username", user.Username)
	writeJSON(w, http.StatusCreated, userResponse{ID: user.ID, Username: user.Username})
}

// Login checks credentials, starts a session and sets the session cookie.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var creds auth.Credentials
	if err := decodeJSON(r, &creds); err != nil {
		h.handleError(w, r, err)
		return
	}
	creds.Username = strings.TrimSpace(creds.Username)

	user, err := h.store.GetUserByUsername(r.Context(), creds.Username)
	if err != nil {
		if errors.Is(err, apperrors.ErrUserNotFound) {
			h.handleError(w, r, apperrors.ErrInvalidCredentials)
			return
		}
		h.handleError(w, r, err)
		return
	}
	if !auth.CheckPassword(creds.Password, user.PasswordHash) {
		h.handleError(w, r, apperrors.ErrInvalidCredentials)
		return
	}

	token, err := auth.GenerateSessionToken()
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	expiresAt := h.clock.Now().Add(h.sessionDuration)
	if err := h.store.CreateSession(r.Context(), token, user.ID, expiresAt); err != nil {
		h.handleError(w, r, err)
		return
	}

	h.setSessionCookie(w, token)
	writeJSON(w, http.StatusOK, loginResponse{
		User:      userResponse{ID: user.ID, Username: user.Username},
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// Logout deletes the session and clears the cookie.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if token := sessionToken(r); token != "" {
		if err := h.store.DeleteSession(r.Context(), token); err != nil {
			h.logger.WarnContext(r.Context(), "failed to delete session", logging.FieldError, err)
		}
	}
	h.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// Me returns the authenticated user.
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	user := GetUserFromContext(r)
	writeJSON(w, http.StatusOK, userResponse{ID: user.ID, Username: user.Username})
}

// Health pings the store.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.ErrorContext(ctx, "health check failed", logging.FieldError, err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.sessionDuration.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handlers) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}
