package api

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/goodtune/tagwatch/internal/storage"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// ScanRequest is a raw read posted by a tag reader.
type ScanRequest struct {
	TagID string `json:"tag_id"`
}

// RegisterRequest registers a tag.
type RegisterRequest struct {
	TagID    string `json:"tag_id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// UsageEventRequest is an event posted directly by a client-driven reader.
type UsageEventRequest struct {
	TagID       string            `json:"tag_id"`
	Name        string            `json:"name"`
	Category    string            `json:"category"`
	EventType   storage.EventType `json:"event_type"`
	DurationSec *int64            `json:"duration_sec,omitempty"`
}

// FeedbackRequest is pushed by the presentation collaborator.
type FeedbackRequest struct {
	Message string `json:"message"`
	Image   string `json:"image"`
}

// StatusResponse acknowledges a write.
type StatusResponse struct {
	Status string `json:"status"`
	TagID  string `json:"tag_id,omitempty"`
	ID     string `json:"id,omitempty"`
}

// errInvalidFormat is the error code clients match on for rejected ids.
const errInvalidFormat = "InvalidFormat"

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

// writeInvalidFormat writes the 400 returned for ids that fail validation.
func writeInvalidFormat(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   errInvalidFormat,
		Message: err.Error(),
		Code:    http.StatusBadRequest,
	})
}
