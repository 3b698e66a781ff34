package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strings"

	"finance-tracker/internal/apperrors"
	"finance-tracker/internal/logging"
	"finance-tracker/internal/metrics"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	requestIDHeader = "X-Request-ID"
	maxBodyBytes    = 1 << 20

	codeInternal    = "INTERNAL"
	codeInvalidJSON = "INVALID_JSON"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrorEnvelope is the body of every error response.
type ErrorEnvelope struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorEnvelope(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, ErrorEnvelope{
		Code:      code,
		Message:   message,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

// decodeJSON reads a JSON body into v and validates its struct tags.
func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.New(codeInvalidJSON, apperrors.CategoryValidation, http.StatusBadRequest, "invalid JSON body").WithCause(err)
	}

	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return apperrors.Validation("%s failed %q check", strings.ToLower(fe.Field()), fe.Tag())
		}
		return apperrors.ErrValidation.WithCause(err)
	}
	return nil
}

// handleError writes err as an error envelope. Domain errors keep their
// status; anything else is logged and hidden behind a 500.
func (h *Handlers) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	logger := h.logger.With(logging.FieldRequestID, RequestIDFromContext(ctx))

	de, ok := apperrors.As(err)
	if !ok {
		logger.ErrorContext(ctx, "unhandled error", "method", r.Method, "path", r.URL.Path, logging.FieldError, err)
		writeErrorEnvelope(w, r, http.StatusInternalServerError, codeInternal, "internal server error")
		return
	}

	metrics.ObserveDomainError(de)
	if errors.Is(err, apperrors.ErrUserNotFound) {
		// Identity comes from a validated session, so a missing user is a bug.
		logger.ErrorContext(ctx, "authenticated user not found", "path", r.URL.Path, logging.FieldError, err)
	} else {
		logger.DebugContext(ctx, "domain error", "code", de.Code(), "status", de.HTTPStatus(), logging.FieldError, err)
	}

	writeErrorEnvelope(w, r, de.HTTPStatus(), de.Code(), apperrors.Detail(err))
}

type requestIDKey struct{}

// RequestID tags each request with an id taken from X-Request-ID or generated.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Recovery turns a panic into a 500 response.
func (h *Handlers) Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				h.logger.ErrorContext(r.Context(), "panic recovered",
					logging.FieldRequestID, RequestIDFromContext(r.Context()),
					"panic", fmt.Sprint(p),
					"stack", string(debug.Stack()),
				)
				writeErrorEnvelope(w, r, http.StatusInternalServerError, codeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
