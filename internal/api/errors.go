package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/sells-group/card-appraiser/internal/model"
	"github.com/sells-group/card-appraiser/internal/store"
)

// AppError is an error with an HTTP status and a stable code.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

func newAppError(status int, code, message string) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

func badRequest(message string) *AppError {
	return newAppError(http.StatusBadRequest, "ERR_BAD_REQUEST", message)
}

func unauthorized(message string) *AppError {
	return newAppError(http.StatusUnauthorized, "ERR_UNAUTHORIZED", message)
}

// toAppError maps domain errors onto HTTP errors.
func toAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		e := newAppError(http.StatusBadRequest, "ERR_VALIDATION", ve.Error())
		e.Field = ve.Field
		return e
	case errors.Is(err, store.ErrForbidden):
		return newAppError(http.StatusForbidden, "ERR_FORBIDDEN", "card belongs to another user")
	case errors.Is(err, store.ErrNotFound):
		return newAppError(http.StatusNotFound, "ERR_NOT_FOUND", "card not found")
	case errors.Is(err, store.ErrConflict):
		return newAppError(http.StatusConflict, "ERR_CONFLICT", "card already exists")
	case errors.Is(err, store.ErrCursor):
		return newAppError(http.StatusBadRequest, "ERR_CURSOR", "invalid cursor")
	}
	return &AppError{Code: "ERR_INTERNAL", Message: "something went wrong", Status: http.StatusInternalServerError, Err: err}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := toAppError(err)
	if appErr.Status >= http.StatusInternalServerError {
		zap.L().Error("api: request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, appErr.Status, map[string]*AppError{"error": appErr})
}
