package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"storefront-edge/internal/cookie"
	"storefront-edge/internal/event"
	"storefront-edge/internal/gateway"
	"storefront-edge/internal/metrics"
	"storefront-edge/internal/model"
	"storefront-edge/internal/session"
	"storefront-edge/pkg/apierror"
)

const maxCredentialBytes = 64 << 10

type authGateway interface {
	Login(ctx context.Context, payload io.Reader, contentType string) (gateway.LoginResult, error)
	Logout(ctx context.Context, cookies []*http.Cookie) (gateway.LogoutResult, error)
}

type AuthHandler struct {
	gateway    authGateway
	codec      *session.Codec
	propagator *cookie.Propagator
	maxAge     time.Duration
	events     event.Publisher
	metrics    metrics.Recorder
}

func NewAuthHandler(gw authGateway, codec *session.Codec, propagator *cookie.Propagator, maxAge time.Duration, events event.Publisher, recorder metrics.Recorder) *AuthHandler {
	return &AuthHandler{
		gateway:    gw,
		codec:      codec,
		propagator: propagator,
		maxAge:     maxAge,
		events:     events,
		metrics:    recorder,
	}
}

// SignIn passes the credentials through to the gateway and starts a session.
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		writeError(w, apierror.New("BAD_REQUEST", "missing content type", "", http.StatusBadRequest))
		return
	}

	result, err := h.gateway.Login(r.Context(), http.MaxBytesReader(w, r.Body, maxCredentialBytes), contentType)
	if err != nil {
		writeError(w, err)
		return
	}

	s := session.Session{
		User:              result.User,
		AccessValidUntil:  result.AccessValidUntil,
		RefreshValidUntil: result.RefreshValidUntil,
	}.WithAuthCookies(result.SetCookies)

	token, err := h.codec.Encode(s)
	if err != nil {
		writeError(w, err)
		return
	}

	for _, c := range h.propagator.Mirror(result.SetCookies) {
		http.SetCookie(w, c)
	}
	http.SetCookie(w, h.propagator.SessionCookie(token, h.maxAge))

	raw := h.propagator.CallbackURL(r)
	callback := safeCallback(raw)
	if raw != "" {
		for _, c := range h.propagator.ClearCallback() {
			http.SetCookie(w, c)
		}
	}

	h.events.Publish(event.New(event.TypeSessionSignedIn, s.User.ID, r.URL.Path, ""))
	writeSuccess(w, http.StatusOK, model.SignInResponse{Session: s.Contract(), CallbackURL: callback})
}

// SignOut always clears the storefront cookies, even when the gateway cannot
// be told.
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	s, err := h.codec.Decode(h.propagator.SessionToken(r))
	if err != nil {
		s = session.Session{}
	}

	result, err := h.gateway.Logout(r.Context(), cookie.Forwardable(r, s.AuthCookies))
	gatewayOK := err == nil
	if err != nil {
		slog.Warn("gateway logout failed", "user_id", s.User.ID, "error", err)
	}

	for _, c := range h.propagator.Purge(cookie.Names(s.AuthCookies)...) {
		http.SetCookie(w, c)
	}
	// The gateway's own deletions follow so its attributes win.
	for _, c := range h.propagator.Mirror(result.SetCookies) {
		http.SetCookie(w, c)
	}

	h.metrics.RecordSignOut(gatewayOK)
	h.events.Publish(event.New(event.TypeSessionSignedOut, s.User.ID, r.URL.Path, ""))
	writeSuccess(w, http.StatusOK, map[string]bool{"signedOut": true})
}

// Session returns the session contract for the current request.
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	s, _ := session.FromContext(r.Context())
	w.Header().Set("Cache-Control", "no-store")
	writeSuccess(w, http.StatusOK, s.Contract())
}

// safeCallback only accepts same-origin absolute paths.
func safeCallback(target string) string {
	if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.ContainsAny(target, "\\\r\n") {
		return ""
	}
	return target
}
