package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-records/pkg/apperrors"
)

// ApiResponse wraps data in the envelope returned by every endpoint.
type ApiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// WriteServiceError maps a service error onto its HTTP status and error code.
// Store and internal failures are logged and reported without their cause.
func WriteServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	kind := apperrors.KindOf(err)
	status := apperrors.StatusCode(err)

	message := err.Error()
	var typed *apperrors.Error
	if errors.As(err, &typed) {
		message = typed.Message
	}
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", zap.String("kind", string(kind)), zap.Error(err))
		message = "Internal server error"
	}

	if err := ErrorResponse(w, status, string(kind), message); err != nil {
		logger.Error("Failed to write error response", zap.Error(err))
	}
}
