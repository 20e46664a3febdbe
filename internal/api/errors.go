package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrWong99/larder/internal/buffer"
	"github.com/MrWong99/larder/pkg/inventory"
	"github.com/MrWong99/larder/pkg/units"
)

// errorBody is the JSON body of every error response.
type errorBody struct {
	Status      string   `json:"status"`
	Error       string   `json:"error"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// statusFor maps pipeline errors onto HTTP status codes. Cancellation is a
// normal result, not a failure.
func statusFor(err error) int {
	switch {
	case err == nil, errors.Is(err, inventory.ErrCancelled):
		return http.StatusOK
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, inventory.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, inventory.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, inventory.ErrAmbiguous), errors.Is(err, inventory.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, buffer.ErrClosed):
		return http.StatusGone
	case errors.Is(err, inventory.ErrValidation),
		errors.Is(err, units.ErrUnknownUnit),
		errors.Is(err, units.ErrIncompatibleUnits):
		return http.StatusUnprocessableEntity
	case errors.Is(err, inventory.ErrInterpretation):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func errorFor(status int, err error) errorBody {
	body := errorBody{Status: "error", Error: err.Error()}
	if errors.Is(err, inventory.ErrCancelled) {
		body.Status = "cancelled"
	}
	var amb *inventory.AmbiguousError
	if errors.As(err, &amb) {
		body.Suggestions = amb.Suggestions
	}
	if status == http.StatusInternalServerError {
		body.Error = "internal error"
	}
	return body
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorFor(status, err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}
