package middleware

import (
	"net/http"
	"time"
)

// Timeout bounds request handling. Gateway calls made under the request
// context are cancelled with it.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	message := string(errorPayload("REQUEST_TIMEOUT", "request timed out"))

	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, timeout, message)
	}
}
