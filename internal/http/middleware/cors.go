package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS admits the configured dashboard origins. The API surface is small, so
// only the methods and headers the dashboard actually sends are allowed.
func CORS(origins []string, credentials bool) func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: credentials,
		MaxAge:           300,
	}
	return cors.Handler(opts)
}
