// Package httputil provides shared HTTP plumbing: JSON response writing and
// request body decoding.
package httputil

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the JSON envelope for every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteJSON writes v as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// WriteError writes a JSON error envelope with the given status code.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg})
}

// BadRequest writes a 400 error response.
func BadRequest(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusBadRequest, msg)
}

// NotFound writes a 404 error response.
func NotFound(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusNotFound, msg)
}

// Conflict writes a 409 error response.
func Conflict(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusConflict, msg)
}

// PaymentRequired writes a 402 error response.
func PaymentRequired(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusPaymentRequired, msg)
}

// InternalError writes a 500 error response.
func InternalError(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusInternalServerError, msg)
}

// DecodeJSON decodes the request body into target. On failure it writes a
// 400 response and returns false; handlers should just return.
func DecodeJSON(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		BadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
