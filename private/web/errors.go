// Package web provides the JSON error envelope shared by every HTTP
// surface in this repo, carrying a correlation ID per spec.md §7 ("surface
// everything else verbatim with a correlation ID").
package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	uuid "github.com/satori/go.uuid"
)

// ErrorBody is the wire shape of every non-2xx JSON response.
type ErrorBody struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id"`
	RetryAfter    int    `json:"retry_after_seconds,omitempty"`
}

// WriteError writes status with message as the JSON error envelope,
// generating a fresh correlation ID for this response.
func WriteError(w http.ResponseWriter, status int, message string) string {
	correlationID := uuid.NewV4().String()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: message, CorrelationID: correlationID})
	return correlationID
}

// WriteRetryableError is WriteError plus a Retry-After header/body field,
// used for the NoAvailableStorage 503 contract in spec.md §7.
func WriteRetryableError(w http.ResponseWriter, status int, message string, retryAfterSeconds int) string {
	correlationID := uuid.NewV4().String()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{
		Error:         message,
		CorrelationID: correlationID,
		RetryAfter:    retryAfterSeconds,
	})
	return correlationID
}

// WriteJSON writes v as a 200 JSON body, or the given status if nonzero.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
