package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/openfroyo/conveyor/pkg/engine"
)

// errorResponse is the error document of every failed request.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, errorResponse{Error: message})
}

// respondWithEngineError maps an engine error to its HTTP status.
func respondWithEngineError(w http.ResponseWriter, err error) {
	if engine.IsConflict(err) {
		w.Header().Set("Retry-After", "1")
	}
	respondWithJSON(w, StatusFor(err), errorResponse{Error: err.Error(), Code: codeOf(err)})
}

// StatusFor returns the HTTP status of an engine error. Version and lease
// conflicts resolve on their own and map to 503, so a counterparty retries
// them; 409 is reserved for requests the process state refuses.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case engine.IsConflict(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrAlreadyExists),
		errors.Is(err, engine.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, engine.ErrRejected):
		return http.StatusForbidden
	case engine.IsThrottled(err):
		return http.StatusTooManyRequests
	case codeOf(err) == engine.ErrCodeValidation:
		return http.StatusBadRequest
	case engine.IsPermanent(err):
		return http.StatusUnprocessableEntity
	case engine.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func codeOf(err error) string {
	var e *engine.EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v)
}
