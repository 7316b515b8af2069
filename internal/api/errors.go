package api

import (
	"net/http"

	"github.com/nerrad567/lab-platform/internal/plugin"
)

// Error is the structured error body shared with plugin routes.
type Error = plugin.Error

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	plugin.WriteJSON(w, status, v)
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	plugin.WriteError(w, http.StatusBadRequest, plugin.CodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	plugin.WriteError(w, http.StatusNotFound, plugin.CodeNotFound, message)
}

// writeConflict writes a 409 for a device held by someone else.
func writeConflict(w http.ResponseWriter, message string) {
	plugin.WriteError(w, http.StatusConflict, plugin.CodeDeviceBusy, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	plugin.WriteError(w, http.StatusInternalServerError, plugin.CodeInternal, message)
}
