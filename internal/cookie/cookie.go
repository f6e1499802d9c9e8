// Package cookie moves authentication cookies between the identity gateway,
// the in-flight request and the outgoing response.
package cookie

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"storefront-edge/internal/route"
)

const (
	SessionTokenName      = "storefront.session-token"
	CallbackURLName       = "storefront.callback-url"
	CSRFTokenName         = "storefront.csrf-token"
	CurrentClientPathName = "currentClientPath"
	ModeName              = "mode"

	securePrefix = "__Secure-"
	hostPrefix   = "__Host-"
)

// ClientStateMaxAge applies to currentClientPath and mode.
const ClientStateMaxAge = 24 * time.Hour

var deletionAllowList = []string{
	SessionTokenName,
	securePrefix + SessionTokenName,
	CallbackURLName,
	securePrefix + CallbackURLName,
	CSRFTokenName,
	hostPrefix + CSRFTokenName,
}

// DeletionAllowList returns the cookie names removed on sign-out.
func DeletionAllowList() []string {
	return append([]string(nil), deletionAllowList...)
}

type Propagator struct {
	secure bool
}

// NewPropagator returns a propagator. When secure is set (production), every
// mirrored or first-party cookie is marked Secure.
func NewPropagator(secure bool) *Propagator {
	return &Propagator{secure: secure}
}

func (p *Propagator) Secure() bool {
	return p.secure
}

// Parse reads raw Set-Cookie directives in order. Directives that do not parse
// are dropped and logged.
func Parse(directives []string) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(directives))
	for _, raw := range directives {
		c, err := http.ParseSetCookie(raw)
		if err != nil {
			slog.Warn("dropping malformed gateway cookie", "error", err)
			continue
		}
		out = append(out, c)
	}
	return out
}

// Mirror re-emits gateway cookies for the storefront response. HttpOnly is
// always forced on and Secure is forced on in production; lifetime, path,
// domain and SameSite are carried through. A missing Path becomes "/" because
// the default path would otherwise follow the page URL instead of the gateway's.
func (p *Propagator) Mirror(directives []string) []*http.Cookie {
	parsed := Parse(directives)
	for _, c := range parsed {
		c.HttpOnly = true
		if p.secure {
			c.Secure = true
		}
		if c.Path == "" {
			c.Path = "/"
		}
	}
	return parsed
}

// Purge expires every allow-listed cookie plus any extra names, such as the
// gateway cookies named in the session.
func (p *Propagator) Purge(extra ...string) []*http.Cookie {
	seen := map[string]struct{}{}
	out := make([]*http.Cookie, 0, len(deletionAllowList)+len(extra))
	for _, name := range append(DeletionAllowList(), extra...) {
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, p.expired(name))
	}
	return out
}

func (p *Propagator) expired(name string) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   p.secure,
	}
	// Browsers ignore prefixed cookies, deletions included, unless Secure.
	if strings.HasPrefix(name, securePrefix) || strings.HasPrefix(name, hostPrefix) {
		c.Secure = true
	}
	return c
}

func (p *Propagator) sessionName() string {
	if p.secure {
		return securePrefix + SessionTokenName
	}
	return SessionTokenName
}

func (p *Propagator) callbackName() string {
	if p.secure {
		return securePrefix + CallbackURLName
	}
	return CallbackURLName
}

func (p *Propagator) SessionCookie(token string, maxAge time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     p.sessionName(),
		Value:    token,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   p.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// SessionToken reads the session token from either cookie name.
func (p *Propagator) SessionToken(r *http.Request) string {
	for _, name := range []string{securePrefix + SessionTokenName, SessionTokenName} {
		if c, err := r.Cookie(name); err == nil && c.Value != "" {
			return c.Value
		}
	}
	return ""
}

func (p *Propagator) CallbackCookie(target string) *http.Cookie {
	return &http.Cookie{
		Name:     p.callbackName(),
		Value:    target,
		Path:     "/",
		HttpOnly: true,
		Secure:   p.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (p *Propagator) CallbackURL(r *http.Request) string {
	for _, name := range []string{securePrefix + CallbackURLName, CallbackURLName} {
		if c, err := r.Cookie(name); err == nil && c.Value != "" {
			return c.Value
		}
	}
	return ""
}

// ClearCallback expires the callback URL cookie once it has been consumed.
func (p *Propagator) ClearCallback() []*http.Cookie {
	return []*http.Cookie{p.expired(CallbackURLName), p.expired(securePrefix + CallbackURLName)}
}

// Annotate returns the currentClientPath and mode cookies for a request.
func (p *Propagator) Annotate(path string, mode route.Mode) []*http.Cookie {
	maxAge := int(ClientStateMaxAge.Seconds())
	return []*http.Cookie{
		{
			Name:     CurrentClientPathName,
			Value:    path,
			Path:     "/",
			MaxAge:   maxAge,
			Secure:   p.secure,
			SameSite: http.SameSiteLaxMode,
		},
		{
			Name:     ModeName,
			Value:    string(mode),
			Path:     "/",
			MaxAge:   maxAge,
			Secure:   p.secure,
			SameSite: http.SameSiteLaxMode,
		},
	}
}

// PreviousMode reads the mode cookie sent by the client.
func PreviousMode(r *http.Request) route.Mode {
	c, err := r.Cookie(ModeName)
	if err != nil {
		return ""
	}
	return route.Mode(c.Value)
}

// Forwardable is the cookie set sent to the gateway: the request's own cookies,
// then any session-held gateway cookie the browser did not send.
func Forwardable(r *http.Request, sessionDirectives []string) []*http.Cookie {
	out := r.Cookies()
	have := make(map[string]struct{}, len(out))
	for _, c := range out {
		have[c.Name] = struct{}{}
	}
	for _, c := range Parse(sessionDirectives) {
		if _, ok := have[c.Name]; ok {
			continue
		}
		have[c.Name] = struct{}{}
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	return out
}

// ApplyToRequest returns a clone of r whose Cookie header reflects cookies just
// written to the response, so handlers further down see refreshed values.
// Expired cookies are removed.
func ApplyToRequest(r *http.Request, cookies []*http.Cookie) *http.Request {
	if len(cookies) == 0 {
		return r
	}

	now := time.Now()
	current := r.Cookies()
	order := make([]string, 0, len(current)+len(cookies))
	listed := make(map[string]struct{}, len(current)+len(cookies))
	values := make(map[string]string, len(current)+len(cookies))
	set := func(name, value string) {
		if _, ok := listed[name]; !ok {
			listed[name] = struct{}{}
			order = append(order, name)
		}
		values[name] = value
	}

	for _, c := range current {
		set(c.Name, c.Value)
	}
	for _, c := range cookies {
		if c.MaxAge < 0 || (!c.Expires.IsZero() && c.Expires.Before(now)) {
			delete(values, c.Name)
			continue
		}
		set(c.Name, c.Value)
	}

	clone := r.Clone(r.Context())
	clone.Header.Del("Cookie")
	for _, name := range order {
		value, ok := values[name]
		if !ok {
			continue
		}
		clone.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	return clone
}

// Names lists cookie names from raw directives, used to purge gateway cookies.
func Names(directives []string) []string {
	out := make([]string, 0, len(directives))
	for _, c := range Parse(directives) {
		out = append(out, c.Name)
	}
	return out
}

// MergeDirectives folds fresh directives over previous ones by cookie name.
// Previous order is kept; new names are appended.
func MergeDirectives(previous []string, fresh []string) []string {
	type entry struct {
		name string
		raw  string
	}

	entries := make([]entry, 0, len(previous)+len(fresh))
	index := map[string]int{}
	add := func(raw string) {
		c, err := http.ParseSetCookie(raw)
		if err != nil {
			return
		}
		if i, ok := index[c.Name]; ok {
			entries[i].raw = raw
			return
		}
		index[c.Name] = len(entries)
		entries = append(entries, entry{name: c.Name, raw: raw})
	}

	for _, raw := range previous {
		add(raw)
	}
	for _, raw := range fresh {
		add(raw)
	}

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.raw)
	}
	return out
}
