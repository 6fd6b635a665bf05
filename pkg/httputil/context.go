package httputil

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

type ContextKey string

const (
	RequestIDCtxKey ContextKey = "RequestID"
	LogEntryCtxKey  ContextKey = "LogEntry"
)

// LogEntry collects fields that handlers add to the access log line of the current request.
type LogEntry struct {
	mu     sync.Mutex
	fields []zap.Field
}

func (e *LogEntry) Add(fields ...zap.Field) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fields = append(e.fields, fields...)
}

func (e *LogEntry) Fields() []zap.Field {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]zap.Field(nil), e.fields...)
}

// AddLogFields appends fields to the request's access log entry, if the logger middleware installed one.
func AddLogFields(ctx context.Context, fields ...zap.Field) {
	if entry, ok := ctx.Value(LogEntryCtxKey).(*LogEntry); ok {
		entry.Add(fields...)
	}
}

// RequestID returns the request ID set by the RequestID middleware, or "".
func RequestID(ctx context.Context) string {
	reqID, _ := ctx.Value(RequestIDCtxKey).(string)
	return reqID
}

// JSON writes a JSON response with the given status code and data.
func JSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Error sends a JSON response {"error": message} with the given status code.
func Error(w http.ResponseWriter, statusCode int, message string) {
	JSON(w, statusCode, ErrorResponse{Error: message})
}
