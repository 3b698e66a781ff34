package handlers

import (
	"net/http"

	"finance-tracker/internal/models"

	"github.com/shopspring/decimal"
)

// Dashboard returns the remaining balance and per-category spending.
func (h *Handlers) Dashboard(w http.ResponseWriter, r *http.Request) {
	user := GetUserFromContext(r)

	summary, err := h.engine.DashboardSummary(r.Context(), user.ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type balanceResponse struct {
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
}

// Balance returns the remaining balance.
func (h *Handlers) Balance(w http.ResponseWriter, r *http.Request) {
	user := GetUserFromContext(r)

	balance, err := h.engine.RemainingBalance(r.Context(), user.ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{RemainingBalance: balance})
}

// Analysis returns monthly totals and categories ranked by spending.
func (h *Handlers) Analysis(w http.ResponseWriter, r *http.Request) {
	user := GetUserFromContext(r)

	summary, err := h.engine.AnalysisSummary(r.Context(), user.ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type cashRequest struct {
	// Amount is the raw user input; the engine parses it.
	Amount string `json:"amount" validate:"required,max=32"`
	Reason string `json:"reason" validate:"max=200"`
}

type expenseRequest struct {
	Category string `json:"category" validate:"required"`
	Amount   string `json:"amount" validate:"required,max=32"`
}

type cashListResponse struct {
	Entries []models.CashEntry `json:"entries"`
}

type expenseListResponse struct {
	Entries []models.ExpenseEntry `json:"entries"`
}

// ListCash returns the user's cash entries, newest first.
func (h *Handlers) ListCash(w http.ResponseWriter, r *http.Request) {
	user := GetUserFromContext(r)

	entries, err := h.engine.CashHistory(r.Context(), user.ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cashListResponse{Entries: entries})
}

// RecordCash adds a cash entry.
func (h *Handlers) RecordCash(w http.ResponseWriter, r *http.Request) {
	user := GetUserFromContext(r)

	var req cashRequest
	if err := decodeJSON(r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	entry, err := h.engine.RecordCash(r.Context(), user.ID, req.Amount, req.Reason)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// ListExpenses returns the user's expenses, newest first.
func (h *Handlers) ListExpenses(w http.ResponseWriter, r *http.Request) {
	user := GetUserFromContext(r)

	entries, err := h.engine.ExpenseHistory(r.Context(), user.ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, expenseListResponse{Entries: entries})
}

// RecordExpense adds an expense if the balance covers it.
func (h *Handlers) RecordExpense(w http.ResponseWriter, r *http.Request) {
	user := GetUserFromContext(r)

	var req expenseRequest
	if err := decodeJSON(r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	entry, err := h.engine.RecordExpense(r.Context(), user.ID, req.Category, req.Amount)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}
