package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// CORS allows the storefront origins to call the edge with cookies. Without
// configured origins every origin is allowed and credentials are not.
func CORS(origins []string) func(http.Handler) http.Handler {
	credentials := len(origins) > 0
	if !credentials {
		origins = []string{"*"}
	}

	handler := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "X-Request-ID", "X-CSRF-Token"},
		ExposedHeaders:   []string{"X-Request-ID"},
		MaxAge:           3600,
		AllowCredentials: credentials,
	})

	return handler.Handler
}
