// Package middleware holds the HTTP middleware quarry serves resources behind: request IDs,
// CORS and access logging.
package middleware

import (
	"net/http"

	"github.com/edgeflare/quarry/pkg/httputil"
)

// Chain wraps h so that mws run in the given order, mws[0] outermost.
func Chain(h http.Handler, mws ...httputil.Middleware) http.Handler {
	for i := range mws {
		h = mws[len(mws)-1-i](h)
	}
	return h
}
