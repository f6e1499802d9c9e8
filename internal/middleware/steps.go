package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"storefront-edge/internal/cookie"
	"storefront-edge/internal/metrics"
	"storefront-edge/internal/recovery"
	"storefront-edge/internal/refresh"
	"storefront-edge/internal/route"
	"storefront-edge/internal/session"
)

type modeKey struct{}

// ModeFromContext returns the routing mode resolved for this request.
func ModeFromContext(ctx context.Context) route.Mode {
	mode, ok := ctx.Value(modeKey{}).(route.Mode)
	if !ok {
		return route.ModeBuyer
	}
	return mode
}

// Classify attaches the route classification of the request path.
func Classify(classifier *route.Classifier, recorder metrics.Recorder) Step {
	return func(r *http.Request, res *Response, next Next) *Response {
		c := classifier.Classify(r.URL.Path)
		recorder.RecordClassification(c.Kind())
		Annotate(r.Context(), "route", c.Kind())

		return next(r.WithContext(route.NewContext(r.Context(), c)), res)
	}
}

// LoadSession decodes the session token cookie. A request returning from a
// recovery navigation marks the session as needing a refresh.
func LoadSession(codec *session.Codec, propagator *cookie.Propagator) Step {
	return func(r *http.Request, res *Response, next Next) *Response {
		token := propagator.SessionToken(r)
		if token == "" {
			return next(r, res)
		}

		s, err := codec.Decode(token)
		if err != nil {
			slog.Debug("session token rejected", "path", r.URL.Path, "error", err)
			return next(r, res)
		}
		if recovery.Attempted(r) {
			s.NeedsRefresh = true
		}

		Annotate(r.Context(), "user_id", s.User.ID)
		return next(r.WithContext(session.NewContext(r.Context(), s)), res)
	}
}

// AnnotateClient writes the currentClientPath and mode cookies. The mode is
// sticky unless the route forces one.
func AnnotateClient(propagator *cookie.Propagator) Step {
	return func(r *http.Request, res *Response, next Next) *Response {
		c, _ := route.FromContext(r.Context())
		mode := route.ResolveMode(c, cookie.PreviousMode(r))

		cookies := propagator.Annotate(r.URL.EscapedPath(), mode)
		res.SetCookie(cookies...)

		ctx := context.WithValue(r.Context(), modeKey{}, mode)
		return next(cookie.ApplyToRequest(r.WithContext(ctx), cookies), res)
	}
}

// Refresh brings the session's access token up to date before the handler
// runs. Refreshed gateway cookies are written to the response and applied to
// the in-flight request so handlers forward the new values.
func Refresh(coordinator *refresh.Coordinator, codec *session.Codec, propagator *cookie.Propagator, maxAge time.Duration) Step {
	return func(r *http.Request, res *Response, next Next) *Response {
		s, ok := session.FromContext(r.Context())
		if !ok {
			return next(r, res)
		}

		out := coordinator.Ensure(r.Context(), s, cookie.Forwardable(r, s.AuthCookies))
		Annotate(r.Context(), "session_state", out.State.String())

		var written []*http.Cookie
		switch {
		case out.Refreshed:
			written = append(written, out.Cookies...)
			token, err := codec.Encode(out.Session)
			if err != nil {
				slog.Error("encode refreshed session failed", "user_id", s.User.ID, "error", err)
				Annotate(r.Context(), "session_encode_error", err.Error())
				break
			}
			written = append(written, propagator.SessionCookie(token, maxAge))
		case out.Session.Terminal():
			written = propagator.Purge(cookie.Names(s.AuthCookies)...)
		}
		if out.Err != nil {
			Annotate(r.Context(), "refresh_error", out.Err.Error())
		}

		res.SetCookie(written...)
		r = r.WithContext(session.NewContext(r.Context(), out.Session))
		return next(cookie.ApplyToRequest(r, written), res)
	}
}

// Guard sends anonymous or terminally expired visitors of protected routes to
// sign-in and keeps signed-in users out of other sellers' scoped pages. A
// session whose refresh just failed renders unauthenticated without a redirect.
func Guard(signInPath string, propagator *cookie.Propagator) Step {
	return func(r *http.Request, res *Response, next Next) *Response {
		c, _ := route.FromContext(r.Context())
		s, ok := session.FromContext(r.Context())

		if !c.Public && (!ok || s.Terminal()) {
			target := r.URL.RequestURI()
			res.SetCookie(propagator.CallbackCookie(target))
			return res.Redirect(signInPath+"?callbackUrl="+url.QueryEscape(target), http.StatusSeeOther)
		}

		if c.SellerScoped && s.Authenticated() && !strings.EqualFold(c.Username, s.User.Username) {
			Annotate(r.Context(), "guard", "seller_mismatch")
			return res.Respond(http.StatusForbidden, "application/json",
				errorPayload("FORBIDDEN", "this page belongs to another seller"))
		}

		return next(r, res)
	}
}
