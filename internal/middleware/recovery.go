package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"storefront-edge/internal/model"
)

func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			if recovered == http.ErrAbortHandler {
				panic(recovered)
			}

			slog.Error("panic recovered",
				"path", r.URL.Path,
				"error", fmt.Sprintf("%v", recovered),
				"stack", string(debug.Stack()),
			)
			writeJSON(w, http.StatusInternalServerError, model.APIResponse{
				Success: false,
				Error: &model.APIError{
					Code:    "INTERNAL_ERROR",
					Message: "Unexpected server error",
				},
			})
		}()

		next.ServeHTTP(w, r)
	})
}
