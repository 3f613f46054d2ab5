package common

import (
	"errors"
	"net/http"
)

// AppError is a flow failure carrying the wire code and HTTP status it maps
// to. Handlers build these through the constructors below so every endpoint
// answers from the same taxonomy.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
}

func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// BadRequest marks input the caller can correct.
func BadRequest(code, message string) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: http.StatusBadRequest}
}

// Unauthorized marks a failed authenticity check on a signature or token.
func Unauthorized(code, message string) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: http.StatusUnauthorized}
}

// Internal marks a dependency failure the caller can do nothing about.
func Internal(code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// AsAppError extracts an AppError from anywhere in the chain.
func AsAppError(err error) (*AppError, bool) {
	var app *AppError
	if errors.As(err, &app) {
		return app, true
	}
	return nil, false
}
