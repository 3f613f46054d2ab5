package common

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the error payload every endpoint answers with.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JSON writes the provided value to the response writer as JSON.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError renders err through the AppError taxonomy. An error without an
// AppError in its chain is treated as internal; the underlying error is never
// exposed on the wire.
func WriteError(w http.ResponseWriter, err error) {
	app, ok := AsAppError(err)
	if !ok {
		app = Internal("INTERNAL", "internal error", err)
	}
	JSON(w, app.HTTPStatus, map[string]any{
		"error": ErrorBody{Code: app.Code, Message: app.Message},
	})
}
