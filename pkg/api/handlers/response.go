package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/keelstore/keel/pkg/apperr"
)

// ErrorBody is the JSON error document of the native surface.
type ErrorBody struct {
	StatusCode string `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"statusCode":"500","error":"InternalError","message":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

// writeError translates a typed error into the native JSON error document.
// Unknown errors surface as InternalError without leaking internals.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	e := apperr.As(err)
	status := e.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if status >= 500 {
		logger.Error("request failed", "code", e.Code, "error", err)
	} else {
		logger.Debug("request rejected", "code", e.Code, "status", status, "error", err)
	}
	writeJSON(w, status, ErrorBody{
		StatusCode: strconv.Itoa(status),
		Error:      e.Code,
		Message:    e.Message,
	})
}

// JSON writes a JSON response; exported for the router middleware.
func JSON(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, data)
}

// Error renders an error through the native error document; exported for
// the router middleware.
func Error(w http.ResponseWriter, logger *slog.Logger, err error) {
	writeError(w, logger, err)
}

// decodeJSONBody decodes a JSON request body into the provided pointer,
// writing the error response itself on failure.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, logger *slog.Logger, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, logger, apperr.InvalidParameter("invalid request body"))
		return false
	}
	return true
}
