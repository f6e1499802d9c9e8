// Package recovery turns an expired-credential error met during a server-side
// data fetch into one forced re-navigation of the same URL, so the request
// pipeline gets a chance to refresh the session before the page is retried.
package recovery

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"storefront-edge/internal/event"
	"storefront-edge/internal/metrics"
	"storefront-edge/internal/model"
	"storefront-edge/internal/session"
	"storefront-edge/pkg/apierror"
)

const (
	MarkerName = "recovery-attempt"
	// Long enough to survive one redirect round trip.
	markerMaxAge = 60
)

// Attempted reports whether the client already re-navigated once for the
// current path.
func Attempted(r *http.Request) bool {
	c, err := r.Cookie(MarkerName)
	if err != nil {
		return false
	}
	return c.Value == markerValue(r)
}

func markerValue(r *http.Request) string {
	return url.QueryEscape(r.URL.Path)
}

type Bridge struct {
	secure  bool
	events  event.Publisher
	metrics metrics.Recorder
}

type Option func(*Bridge)

func WithEvents(p event.Publisher) Option {
	return func(b *Bridge) { b.events = p }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(b *Bridge) { b.metrics = r }
}

func NewBridge(secure bool, opts ...Option) *Bridge {
	b := &Bridge{secure: secure, events: event.Discard{}, metrics: metrics.Nop{}}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Recover writes the response for a failed render. A 401 from the gateway
// triggers at most one in-place navigation per path; everything else, and a
// second 401, becomes a generic error.
func (b *Bridge) Recover(w http.ResponseWriter, r *http.Request, err error) {
	userID := ""
	if s, ok := session.FromContext(r.Context()); ok {
		userID = s.User.ID
	}

	if apierror.IsUnauthorized(err) {
		if !Attempted(r) {
			http.SetCookie(w, b.marker(markerValue(r), markerMaxAge))
			w.Header().Set("Cache-Control", "no-store")
			b.metrics.RecordRecovery(metrics.RecoveryNavigated)
			b.events.Publish(event.New(event.TypeRecoveryNavigated, userID, r.URL.Path, ""))
			http.Redirect(w, r, r.URL.RequestURI(), http.StatusSeeOther)
			return
		}

		slog.Warn("recovery exhausted", "path", r.URL.Path, "user_id", userID, "error", err)
		b.clear(w, r)
		b.metrics.RecordRecovery(metrics.RecoveryExhausted)
		b.events.Publish(event.New(event.TypeRecoveryExhausted, userID, r.URL.Path, err.Error()))
		writeGeneric(w, http.StatusUnauthorized, "SESSION_EXPIRED", "Your session could not be restored. Please sign in again.")
		return
	}

	b.clear(w, r)
	b.metrics.RecordRecovery(metrics.RecoveryFailed)

	status := apierror.Status(err)
	var apiErr *apierror.APIError
	switch {
	case errors.As(err, &apiErr) && status > 0 && status < http.StatusInternalServerError:
		writeGeneric(w, status, apiErr.Code, apiErr.Message)
	case status >= http.StatusInternalServerError:
		slog.Error("page data fetch failed", "path", r.URL.Path, "error", err)
		writeGeneric(w, status, "UPSTREAM_ERROR", "Something went wrong")
	case errors.Is(err, model.ErrGatewayUnreachable):
		slog.Error("page data fetch failed", "path", r.URL.Path, "error", err)
		writeGeneric(w, http.StatusBadGateway, "GATEWAY_UNAVAILABLE", "Something went wrong")
	default:
		slog.Error("page data fetch failed", "path", r.URL.Path, "error", err)
		writeGeneric(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Something went wrong")
	}
}

// Settle clears the marker after a successful render.
func (b *Bridge) Settle(w http.ResponseWriter, r *http.Request) {
	b.clear(w, r)
}

func (b *Bridge) clear(w http.ResponseWriter, r *http.Request) {
	if _, err := r.Cookie(MarkerName); err == nil {
		http.SetCookie(w, b.marker("", -1))
	}
}

func (b *Bridge) marker(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     MarkerName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   b.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func writeGeneric(w http.ResponseWriter, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{
		Success: false,
		Error:   &model.APIError{Code: code, Message: message},
	})
}
