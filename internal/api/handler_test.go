//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/change-assist/internal/assistant"
	"github.com/ashureev/change-assist/internal/wizard"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %q", ct)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, http.StatusConflict, "turn_in_progress")

	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", w.Code)
	}
	if body := strings.TrimSpace(w.Body.String()); body != `{"error":"turn_in_progress"}` {
		t.Errorf("Unexpected body %s", body)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{assistant.ErrBusy, http.StatusConflict},
		{assistant.ErrNotInAgentMode, http.StatusConflict},
		{assistant.ErrNotInToolMode, http.StatusConflict},
		{fmt.Errorf("%w: choice at name", wizard.ErrWrongStep), http.StatusConflict},
		{assistant.ErrClosed, http.StatusGone},
		{fmt.Errorf("%w: nope", assistant.ErrUnknownTool), http.StatusNotFound},
		{fmt.Errorf("%w: 9", wizard.ErrUnknownSession), http.StatusNotFound},
		{fmt.Errorf("%w: 9", wizard.ErrUnknownDepartment), http.StatusNotFound},
		{assistant.ErrEmptyInput, http.StatusBadRequest},
		{assistant.ErrInvalidRating, http.StatusBadRequest},
		{fmt.Errorf("%w: date", wizard.ErrInvalidSession), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestIsDevelopment(t *testing.T) {
	t.Setenv("APP_ENV", "")
	tests := map[string]bool{
		"":                          true,
		"http://localhost:5173":     true,
		"http://127.0.0.1:3000":     true,
		"https://assist.example.io": false,
	}
	for url, want := range tests {
		if got := IsDevelopment(url); got != want {
			t.Errorf("IsDevelopment(%q) = %v, want %v", url, got, want)
		}
	}

	t.Setenv("APP_ENV", "production")
	if IsDevelopment("http://localhost:5173") {
		t.Error("Expected APP_ENV to take precedence")
	}
}
