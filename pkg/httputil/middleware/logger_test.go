package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/edgeflare/quarry/pkg/httputil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)
	return logger, logs
}

func TestGetLogEntry(t *testing.T) {
	assert.Nil(t, GetLogEntry(context.Background()))

	entry := &httputil.LogEntry{}
	ctx := context.WithValue(context.Background(), httputil.LogEntryCtxKey, entry)
	assert.Same(t, entry, GetLogEntry(ctx))
}

func TestLoggerHandlerFields(t *testing.T) {
	logger, logs := newTestLogger()
	middleware := LoggerWithOptions(&LoggerOptions{Logger: logger})

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.AddLogFields(r.Context(), zap.String("table", "cats"), zap.String("action", "findAll"))
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "http://example.com/test/cats", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "cats", fields["table"])
	assert.Equal(t, "findAll", fields["action"])
	assert.Equal(t, int64(http.StatusNotFound), fields["status"])
}

func TestLoggerNested(t *testing.T) {
	logger, logs := newTestLogger()
	middleware := LoggerWithOptions(&LoggerOptions{Logger: logger})

	handler := middleware(middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, 1, logs.Len(), "inner logger defers to the outer one")
}

func TestLoggerLevels(t *testing.T) {
	tests := []struct {
		status int
		want   zapcore.Level
	}{
		{http.StatusOK, zapcore.InfoLevel},
		{http.StatusForbidden, zapcore.WarnLevel},
		{http.StatusNotImplemented, zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			logger, logs := newTestLogger()
			h := LoggerWithOptions(&LoggerOptions{Logger: logger})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/test/cats/1", nil))

			require.Equal(t, 1, logs.Len())
			assert.Equal(t, "response", logs.All()[0].Message)
			assert.Equal(t, tt.want, logs.All()[0].Level)
		})
	}
}

func TestLoggerFormat(t *testing.T) {
	logger, logs := newTestLogger()
	h := LoggerWithOptions(&LoggerOptions{
		Logger: logger,
		Format: func(reqID string, rec *ResponseRecorder, r *http.Request, _ time.Duration) []zap.Field {
			return []zap.Field{zap.String("line", r.Method+" "+r.URL.Path), zap.Int("code", rec.StatusCode)}
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.AddLogFields(r.Context(), zap.String("database", "test"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/test/cats", nil))

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, map[string]any{"line": "GET /test/cats", "code": int64(200), "database": "test"}, logs.All()[0].ContextMap())
}

func TestLoggerRequestID(t *testing.T) {
	reqID := uuid.New().String()
	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{"missing", context.Background(), uuid.Nil.String()},
		{"from context", context.WithValue(context.Background(), httputil.RequestIDCtxKey, reqID), reqID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, logs := newTestLogger()
			h := LoggerWithOptions(&LoggerOptions{Logger: logger})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil).WithContext(tt.ctx))

			require.Equal(t, 1, logs.Len())
			assert.Equal(t, tt.want, logs.All()[0].ContextMap()["req_id"])
		})
	}
}

func TestLoggerDefaultLogger(t *testing.T) {
	logger, logs := newTestLogger()
	saved := defaultLogger
	defaultLogger = logger
	t.Cleanup(func() { defaultLogger = saved })

	h := LoggerWithOptions(nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodOptions, "/test/cats", nil))

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "OPTIONS", logs.All()[0].ContextMap()["method"])
}
