package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"storefront-edge/internal/model"
	"storefront-edge/pkg/apierror"
)

func writeSuccess(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{
		Success: true,
		Data:    data,
	})
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := &model.APIError{
		Code:    "INTERNAL_ERROR",
		Message: "Unexpected server error",
	}

	var apiErr *apierror.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatus >= 400 && apiErr.HTTPStatus < 500 {
		status = apiErr.HTTPStatus
		body.Code = apiErr.Code
		body.Message = apiErr.Message
		body.Details = apiErr.Details
	} else if errors.Is(err, model.ErrInvalidInput) {
		status = http.StatusBadRequest
		body.Code = "BAD_REQUEST"
		body.Message = "Invalid input"
	} else if errors.Is(err, model.ErrUnauthorized) {
		status = http.StatusUnauthorized
		body.Code = "UNAUTHORIZED"
		body.Message = "Authentication required"
	} else if errors.Is(err, model.ErrForbidden) {
		status = http.StatusForbidden
		body.Code = "FORBIDDEN"
		body.Message = "Access denied"
	} else if errors.Is(err, model.ErrSessionTooLarge) {
		body.Code = "SESSION_TOO_LARGE"
		body.Message = "Session could not be stored"
		slog.Error("session token too large", "error", err.Error())
	} else if errors.Is(err, model.ErrGatewayUnreachable) {
		status = http.StatusBadGateway
		body.Code = "GATEWAY_UNAVAILABLE"
		body.Message = "Identity service unavailable"
	} else if errors.Is(err, model.ErrGatewayRejected) || errors.Is(err, model.ErrMalformedResponse) {
		status = http.StatusBadGateway
		body.Code = "GATEWAY_ERROR"
		body.Message = "Identity service returned an unexpected response"
		slog.Error("gateway error", "error", err.Error())
	} else {
		// Log unclassified errors so they are visible in container logs.
		slog.Error("unhandled error in writeError", "error", err.Error())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{
		Success: false,
		Error:   body,
	})
}
