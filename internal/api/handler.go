// Package api provides HTTP and WebSocket handlers for the change assistant.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/ashureev/change-assist/internal/assistant"
	"github.com/ashureev/change-assist/internal/wizard"
)

const defaultMaxBodySize = 1 << 20

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decode reads a JSON body of at most limit bytes. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	if limit <= 0 {
		limit = defaultMaxBodySize
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// StatusFor maps dispatcher and wizard errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, assistant.ErrBusy),
		errors.Is(err, assistant.ErrNotInAgentMode),
		errors.Is(err, assistant.ErrNotInToolMode),
		errors.Is(err, wizard.ErrWrongStep):
		return http.StatusConflict
	case errors.Is(err, assistant.ErrClosed):
		return http.StatusGone
	case errors.Is(err, assistant.ErrUnknownTool),
		errors.Is(err, wizard.ErrUnknownSession),
		errors.Is(err, wizard.ErrUnknownDepartment):
		return http.StatusNotFound
	case errors.Is(err, assistant.ErrEmptyInput),
		errors.Is(err, assistant.ErrInvalidRating),
		errors.Is(err, wizard.ErrInvalidSession):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// IsDevelopment reports whether the server runs in development mode.
func IsDevelopment(frontendURL string) bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return frontendURL == "" ||
		strings.Contains(frontendURL, "localhost") ||
		strings.Contains(frontendURL, "127.0.0.1")
}
