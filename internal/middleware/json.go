package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"storefront-edge/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		slog.Debug("encode response failed", "error", err)
	}
}

func errorPayload(code string, message string) []byte {
	body, _ := json.Marshal(model.APIResponse{
		Success: false,
		Error:   &model.APIError{Code: code, Message: message},
	})
	return body
}
