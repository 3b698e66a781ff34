package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"finance-tracker/internal/auth"
	"finance-tracker/internal/clock"
	"finance-tracker/internal/ledger"
	"finance-tracker/internal/models"
	"finance-tracker/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// HandlersTestSuite exercises the JSON API against an in-memory store.
type HandlersTestSuite struct {
	suite.Suite
	ctx      context.Context
	clock    *clock.MockClock
	db       *storage.DB
	handlers *Handlers
	mux      *http.ServeMux
	user     *models.User
	token    string
}

func (suite *HandlersTestSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.clock = clock.NewMockClock(time.Date(2026, time.June, 1, 10, 0, 0, 0, time.UTC))

	db, err := storage.NewDB(":memory:", storage.WithClock(suite.clock))
	require.NoError(suite.T(), err, "failed to create test database")
	suite.db = db

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := ledger.NewEngine(db, ledger.WithLogger(logger))
	suite.handlers = NewHandlers(Config{
		Store:           db,
		Engine:          engine,
		Logger:          logger,
		Clock:           suite.clock,
		SessionDuration: 24 * time.Hour,
	})

	h := suite.handlers
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/register", h.Register)
	mux.HandleFunc("POST /api/login", h.Login)
	mux.HandleFunc("POST /api/logout", h.Logout)
	mux.HandleFunc("GET /healthz", h.Health)
	mux.Handle("GET /api/me", h.AuthMiddleware(http.HandlerFunc(h.Me)))
	mux.Handle("GET /api/balance", h.AuthMiddleware(http.HandlerFunc(h.Balance)))
	mux.Handle("GET /api/dashboard", h.AuthMiddleware(http.HandlerFunc(h.Dashboard)))
	mux.Handle("GET /api/analysis", h.AuthMiddleware(http.HandlerFunc(h.Analysis)))
	mux.Handle("GET /api/cash", h.AuthMiddleware(http.HandlerFunc(h.ListCash)))
	mux.Handle("POST /api/cash", h.AuthMiddleware(http.HandlerFunc(h.RecordCash)))
	mux.Handle("GET /api/expenses", h.AuthMiddleware(http.HandlerFunc(h.ListExpenses)))
	mux.Handle("POST /api/expenses", h.AuthMiddleware(http.HandlerFunc(h.RecordExpense)))
	suite.mux = mux

	hash, err := auth.HashPassword("secret")
	require.NoError(suite.T(), err)
	user, err := db.CreateUser(suite.ctx, "alice", hash)
	require.NoError(suite.T(), err)
	suite.user = user

	token, err := auth.GenerateSessionToken()
	require.NoError(suite.T(), err)
	require.NoError(suite.T(), db.CreateSession(suite.ctx, token, user.ID, suite.clock.Now().Add(24*time.Hour)))
	suite.token = token
}

func (suite *HandlersTestSuite) TearDownTest() {
	if suite.db != nil {
		suite.db.Close()
	}
}

func TestHandlersTestSuite(t *testing.T) {
	suite.Run(t, new(HandlersTestSuite))
}

func (suite *HandlersTestSuite) do(method, path, body string, withSession bool) *httptest.ResponseRecorder {
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if withSession {
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: suite.token})
	}
	w := httptest.NewRecorder()
	RequestID(suite.mux).ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

func (suite *HandlersTestSuite) TestUnauthenticatedRequestsRejected() {
	for _, path := range []string{"/api/dashboard", "/api/analysis", "/api/cash", "/api/expenses", "/api/me"} {
		w := suite.do(http.MethodGet, path, "", false)
		assert.Equal(suite.T(), http.StatusUnauthorized, w.Code, path)

		env := decodeBody[ErrorEnvelope](suite.T(), w)
		assert.Equal(suite.T(), "UNAUTHORIZED", env.Code)
		assert.NotEmpty(suite.T(), env.RequestID)
		assert.Equal(suite.T(), env.RequestID, w.Header().Get(requestIDHeader))
	}
}

func (suite *HandlersTestSuite) TestBearerTokenAccepted() {
	req := httptest.NewRequest(http.MethodGet, "/api/me", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+suite.token)
	w := httptest.NewRecorder()
	suite.mux.ServeHTTP(w, req)

	require.Equal(suite.T(), http.StatusOK, w.Code)
	me := decodeBody[userResponse](suite.T(), w)
	assert.Equal(suite.T(), "alice", me.Username)
}

func (suite *HandlersTestSuite) TestExpiredSessionClearsCookie() {
	suite.clock.Advance(25 * time.Hour)

	w := suite.do(http.MethodGet, "/api/me", "", true)
	assert.Equal(suite.T(), http.StatusUnauthorized, w.Code)

	env := decodeBody[ErrorEnvelope](suite.T(), w)
	assert.Equal(suite.T(), "SESSION_NOT_FOUND", env.Code)

	cookies := w.Result().Cookies()
	require.Len(suite.T(), cookies, 1)
	assert.Equal(suite.T(), -1, cookies[0].MaxAge)
}

func (suite *HandlersTestSuite) TestRollingSessionRenewal() {
	// Less than half the lifetime left.
	suite.clock.Advance(13 * time.Hour)

	w := suite.do(http.MethodGet, "/api/me", "", true)
	require.Equal(suite.T(), http.StatusOK, w.Code)

	cookies := w.Result().Cookies()
	require.Len(suite.T(), cookies, 1)
	assert.Equal(suite.T(), suite.token, cookies[0].Value)

	info, err := suite.db.ValidateSessionWithInfo(suite.ctx, suite.token)
	require.NoError(suite.T(), err)
	assert.True(suite.T(), info.ExpiresAt.Equal(suite.clock.Now().Add(24*time.Hour)))
}

func (suite *HandlersTestSuite) TestFreshSessionNotRenewed() {
	w := suite.do(http.MethodGet, "/api/me", "", true)
	require.Equal(suite.T(), http.StatusOK, w.Code)
	assert.Empty(suite.T(), w.Result().Cookies())
}

func (suite *HandlersTestSuite) TestRegisterAndLogin() {
	w := suite.do(http.MethodPost, "/api/register", `{"username":"bob","password":"hunter22"}`, false)
	require.Equal(suite.T(), http.StatusCreated, w.Code, w.Body.String())
	created := decodeBody[userResponse](suite.T(), w)
	assert.Equal(suite.T(), "bob", created.Username)

	w = suite.do(http.MethodPost, "/api/register", `{"username":"bob","password":"other99"}`, false)
	assert.Equal(suite.T(), http.StatusConflict, w.Code)
	assert.Equal(suite.T(), "USERNAME_TAKEN", decodeBody[ErrorEnvelope](suite.T(), w).Code)

	w = suite.do(http.MethodPost, "/api/login", `{"username":"bob","password":"hunter22"}`, false)
	require.Equal(suite.T(), http.StatusOK, w.Code, w.Body.String())
	login := decodeBody[loginResponse](suite.T(), w)
	assert.NotEmpty(suite.T(), login.Token)

	cookies := w.Result().Cookies()
	require.Len(suite.T(), cookies, 1)
	assert.Equal(suite.T(), SessionCookieName, cookies[0].Name)
	assert.Equal(suite.T(), login.Token, cookies[0].Value)
	assert.True(suite.T(), cookies[0].HttpOnly)
}

func (suite *HandlersTestSuite) TestLoginFailures() {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"wrong password", `{"username":"alice","password":"nope1"}`, http.StatusUnauthorized, "INVALID_CREDENTIALS"},
		{"unknown user", `{"username":"nobody","password":"secret"}`, http.StatusUnauthorized, "INVALID_CREDENTIALS"},
		{"missing password", `{"username":"alice"}`, http.StatusBadRequest, "VALIDATION_FAILED"},
		{"malformed json", `{"username":`, http.StatusBadRequest, "INVALID_JSON"},
		{"unknown field", `{"username":"alice","password":"secret","admin":true}`, http.StatusBadRequest, "INVALID_JSON"},
	}
	for _, tt := range tests {
		suite.Run(tt.name, func() {
			w := suite.do(http.MethodPost, "/api/login", tt.body, false)
			assert.Equal(suite.T(), tt.wantStatus, w.Code)
			assert.Equal(suite.T(), tt.wantCode, decodeBody[ErrorEnvelope](suite.T(), w).Code)
		})
	}
}

func (suite *HandlersTestSuite) TestLogout() {
	w := suite.do(http.MethodPost, "/api/logout", "", true)
	assert.Equal(suite.T(), http.StatusNoContent, w.Code)

	w = suite.do(http.MethodGet, "/api/me", "", true)
	assert.Equal(suite.T(), http.StatusUnauthorized, w.Code)
}

func (suite *HandlersTestSuite) TestLedgerFlow() {
	w := suite.do(http.MethodPost, "/api/cash", `{"amount":"100","reason":"salary"}`, true)
	require.Equal(suite.T(), http.StatusCreated, w.Code, w.Body.String())
	w = suite.do(http.MethodPost, "/api/cash", `{"amount":"50"}`, true)
	require.Equal(suite.T(), http.StatusCreated, w.Code, w.Body.String())

	w = suite.do(http.MethodPost, "/api/expenses", `{"category":"rent","amount":"150"}`, true)
	require.Equal(suite.T(), http.StatusCreated, w.Code, w.Body.String())
	expense := decodeBody[map[string]any](suite.T(), w)
	assert.Equal(suite.T(), "rent", expense["category"])
	assert.Equal(suite.T(), "150", expense["amount"])

	w = suite.do(http.MethodPost, "/api/expenses", `{"category":"food","amount":"1"}`, true)
	assert.Equal(suite.T(), http.StatusUnprocessableEntity, w.Code)
	env := decodeBody[ErrorEnvelope](suite.T(), w)
	assert.Equal(suite.T(), "INSUFFICIENT_BALANCE", env.Code)
	assert.Contains(suite.T(), env.Message, "exceeds remaining balance 0.00")

	w = suite.do(http.MethodGet, "/api/dashboard", "", true)
	require.Equal(suite.T(), http.StatusOK, w.Code)
	dash := decodeBody[map[string]any](suite.T(), w)
	assert.Equal(suite.T(), "0", dash["remaining_balance"])
	totals := dash["category_totals"].([]any)
	require.Len(suite.T(), totals, 1)

	w = suite.do(http.MethodGet, "/api/balance", "", true)
	require.Equal(suite.T(), http.StatusOK, w.Code)
	assert.JSONEq(suite.T(), `{"remaining_balance":"0"}`, w.Body.String())

	w = suite.do(http.MethodGet, "/api/cash", "", true)
	require.Equal(suite.T(), http.StatusOK, w.Code)
	cash := decodeBody[cashListResponse](suite.T(), w)
	require.Len(suite.T(), cash.Entries, 2)

	w = suite.do(http.MethodGet, "/api/analysis", "", true)
	require.Equal(suite.T(), http.StatusOK, w.Code)
	analysis := decodeBody[map[string]any](suite.T(), w)
	months := analysis["monthly_totals"].([]any)
	require.Len(suite.T(), months, 1)
	assert.Equal(suite.T(), float64(6), months[0].(map[string]any)["month"])
}

func (suite *HandlersTestSuite) TestCashTotalOverflowIsValidationError() {
	body := `{"amount":"92233720368547758"}`
	w := suite.do(http.MethodPost, "/api/cash", body, true)
	require.Equal(suite.T(), http.StatusCreated, w.Code, w.Body.String())

	w = suite.do(http.MethodPost, "/api/cash", body, true)
	require.Equal(suite.T(), http.StatusBadRequest, w.Code, w.Body.String())
	env := decodeBody[ErrorEnvelope](suite.T(), w)
	assert.Equal(suite.T(), "VALIDATION_FAILED", env.Code)
	assert.Contains(suite.T(), env.Message, "total cash would exceed")
}

func (suite *HandlersTestSuite) TestRecordExpenseValidation() {
	tests := []struct {
		name string
		body string
	}{
		{"bad amount", `{"category":"food","amount":"12.34.56"}`},
		{"negative", `{"category":"food","amount":"-5"}`},
		{"empty amount", `{"category":"food","amount":""}`},
		{"missing category", `{"amount":"5"}`},
		{"long category", `{"category":"` + strings.Repeat("x", 51) + `","amount":"5"}`},
	}
	for _, tt := range tests {
		suite.Run(tt.name, func() {
			w := suite.do(http.MethodPost, "/api/expenses", tt.body, true)
			assert.Equal(suite.T(), http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(suite.T(), "VALIDATION_FAILED", decodeBody[ErrorEnvelope](suite.T(), w).Code)
		})
	}

	w := suite.do(http.MethodGet, "/api/expenses", "", true)
	list := decodeBody[expenseListResponse](suite.T(), w)
	assert.Empty(suite.T(), list.Entries)
	assert.NotNil(suite.T(), list.Entries)
}

func (suite *HandlersTestSuite) TestDeletedUserIsNotFound() {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/dashboard", http.NoBody)
	ctx := context.WithValue(req.Context(), UserContextKey, &models.User{ID: suite.user.ID + 42})
	suite.handlers.Dashboard(w, req.WithContext(ctx))

	assert.Equal(suite.T(), http.StatusNotFound, w.Code)
	assert.Equal(suite.T(), "USER_NOT_FOUND", decodeBody[ErrorEnvelope](suite.T(), w).Code)
}

func (suite *HandlersTestSuite) TestHealth() {
	w := suite.do(http.MethodGet, "/healthz", "", false)
	assert.Equal(suite.T(), http.StatusOK, w.Code)
	assert.JSONEq(suite.T(), `{"status":"ok"}`, w.Body.String())
}

func TestRequestIDKeepsValidHeader(t *testing.T) {
	const id = "0b7c6f34-5c43-4f43-9d4e-0e4d1b8c8a11"
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set(requestIDHeader, id)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, id, seen)

	req = httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set(requestIDHeader, "not a uuid\r\n")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.NotEqual(t, "not a uuid\r\n", seen)
	assert.Len(t, seen, 36)
}

func TestRecoveryWritesEnvelope(t *testing.T) {
	h := NewHandlers(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	handler := RequestID(h.Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var env ErrorEnvelope
	require.NoError(t, json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(&env))
	assert.Equal(t, "INTERNAL", env.Code)
}
