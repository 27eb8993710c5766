// Package httputil provides HTTP handler utilities for the JSON response
// envelope, request parsing, and cross-cutting middleware.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/openauthhq/openauth/pkg/autherr"
)

// Envelope is the uniform response body for every endpoint.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, body interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(body)
}

// WriteSuccess writes a 200 envelope with data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, Envelope{Success: true, Data: data})
}

// WriteCreated writes a 201 envelope with data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, Envelope{Success: true, Data: data})
}

// WriteErrorMessage writes an error envelope with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, Envelope{Success: false, Error: message}) //nolint:errcheck
}

// WriteDomainError writes an error envelope for a classified domain error.
// The status comes from the error's kind; internal causes are never leaked.
func WriteDomainError(w http.ResponseWriter, err error) {
	kind := autherr.KindOf(err)
	WriteErrorMessage(w, autherr.HTTPStatus(kind), autherr.ClientMessage(err))
}

// WriteValidationError writes a 400 error envelope
func WriteValidationError(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

// WriteUnauthorized writes a 401 error envelope
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusUnauthorized, message)
}

// WriteForbidden writes a 403 error envelope
func WriteForbidden(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusForbidden, message)
}

// WriteNotFound writes a 404 error envelope
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusNotFound, message)
}

// WriteInternalError writes a 500 error envelope with a generic message
func WriteInternalError(w http.ResponseWriter) {
	WriteErrorMessage(w, http.StatusInternalServerError, "internal error")
}
