package httputil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func status(code int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code)
	})
}

func do(h http.Handler, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func TestRouterHandle(t *testing.T) {
	r := NewRouter()
	r.Handle("GET /health", status(http.StatusNoContent))

	assert.Equal(t, http.StatusNoContent, do(r, http.MethodGet, "/health").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(r, http.MethodPost, "/health").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/missing").Code)
}

func TestRouterMiddlewareOrder(t *testing.T) {
	r := NewRouter()
	var order []string
	tag := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, req)
			})
		}
	}
	r.Use(tag("first"), tag("second"))
	r.Handle("/", status(http.StatusOK))

	do(r, http.MethodGet, "/")
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestRouterGroup(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		target string
		want   int
	}{
		{"resource under prefix", "/api", "/api/test/cats/1", http.StatusAccepted},
		{"collection under prefix", "/api", "/api/test/cats", http.StatusAccepted},
		{"outside prefix", "/api", "/test/cats", http.StatusNotFound},
		{"empty prefix", "", "/test/cats", http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRouter()
			r.Group(tt.prefix).Handle("/", status(http.StatusAccepted))
			for _, method := range []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"} {
				assert.Equal(t, tt.want, do(r, method, tt.target).Code, method)
			}
		})
	}
}

func TestRouterGroupInheritsMiddleware(t *testing.T) {
	r := NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("X-Quarry", "1")
			next.ServeHTTP(w, req)
		})
	})
	api := r.Group("/api")
	api.Handle("/", status(http.StatusOK))

	// Middleware added to the parent later does not reach the group.
	r.Use(func(http.Handler) http.Handler { return status(http.StatusTeapot) })

	w := do(r, http.MethodGet, "/api/test/cats")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-Quarry"))
}

func TestRouterTLSError(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "tls.crt")
	require.NoError(t, os.WriteFile(certFile, []byte("not a cert"), 0o600))

	r := NewRouter(WithTLS(certFile, filepath.Join(dir, "tls.key")))
	assert.ErrorContains(t, r.ListenAndServe("127.0.0.1:0"), "tls")
}

func TestRouterShutdown(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	r := NewRouter(WithLogger(zap.New(core)), WithServerOptions(func(s *http.Server) {
		s.ReadHeaderTimeout = time.Second
	}))
	assert.Equal(t, time.Second, r.server.ReadHeaderTimeout)

	require.NoError(t, r.Shutdown(context.Background()))
	assert.ErrorIs(t, r.ListenAndServe("127.0.0.1:0"), http.ErrServerClosed)

	assert.Equal(t, 1, logs.FilterMessage("shutting down server").Len())
	started := logs.FilterMessage("starting server").All()
	require.Len(t, started, 1)
	assert.Equal(t, false, started[0].ContextMap()["tls"])
}
