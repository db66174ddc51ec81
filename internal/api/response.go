package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/KlarePipe/internal/models"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so encoding errors are caught before headers are written
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// statusForError maps a core error to an HTTP status and a client-safe message.
func statusForError(err error) (int, string) {
	var (
		validationErr *models.ValidationError
		backendErr    *models.BackendError
		storeErr      *models.StoreAccessError
	)
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, validationErr.Error()
	case errors.Is(err, models.ErrContextNotFound):
		return http.StatusNotFound, "Context not found"
	case errors.Is(err, models.ErrUserNotFound):
		return http.StatusNotFound, "User not found"
	case errors.Is(err, models.ErrInvalidCredentials):
		return http.StatusUnauthorized, "Invalid username or password"
	case errors.Is(err, models.ErrUsernameTaken):
		return http.StatusConflict, "Username already taken"
	case errors.As(err, &backendErr):
		return http.StatusServiceUnavailable, "Chat backend unavailable, please try again later"
	case errors.As(err, &storeErr):
		return http.StatusInternalServerError, "Storage unavailable"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// writeError logs err and writes the mapped error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusForError(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Server.writeError: request failed", "error", err, "path", r.URL.Path, "status", status)
	} else {
		slog.Warn("Server.writeError: request rejected", "error", err, "path", r.URL.Path, "status", status)
	}
	writeJSONResponse(w, status, models.Error(msg))
}

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &models.ValidationError{Reason: "invalid JSON body: " + err.Error()}
	}
	return nil
}
