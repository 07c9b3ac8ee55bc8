package middlewares

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

// The bridge is read only
var corsMethods = []string{http.MethodGet, http.MethodHead, http.MethodOptions}

// NewCorsMw allows browser clients from origins to read the bridge.  An empty
// origin list allows any origin.
//
// This should be the first middleware in the chain so that preflight
// requests are answered before they reach the logging middleware.
func NewCorsMw(origins []string, exposedHeaders ...string) mux.MiddlewareFunc {
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: corsMethods,
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Correlation-ID"},
		ExposedHeaders: exposedHeaders,
		MaxAge:         600,
	})

	return func(next http.Handler) http.Handler {
		return c.Handler(next)
	}
}
