// Package session holds the per-request identity record and its signed
// cookie encoding.
//
// A Session is a value. Every request decodes its own copy from the session
// token cookie; nothing is cached between requests.
package session

import (
	"context"
	"net/http"
	"time"

	"storefront-edge/internal/model"
)

type ErrorKind string

const (
	ErrorNone               ErrorKind = ""
	RefreshTokenExpired     ErrorKind = "RefreshTokenExpired"
	RefreshAccessTokenError ErrorKind = "RefreshAccessTokenError"
)

type Session struct {
	User              model.User
	AccessValidUntil  time.Time
	RefreshValidUntil time.Time
	AuthCookies       []string
	Error             ErrorKind
	NeedsRefresh      bool
}

// Authenticated reports whether pages may treat the request as signed in.
func (s Session) Authenticated() bool {
	return s.User.ID != "" && s.Error == ErrorNone
}

// Terminal sessions cannot be refreshed and must go back through sign-in.
func (s Session) Terminal() bool {
	return s.Error == RefreshTokenExpired
}

// WithValidity returns a copy carrying the later of the current and supplied
// timestamps, so validity never moves backwards.
func (s Session) WithValidity(accessUntil, refreshUntil time.Time) Session {
	if accessUntil.After(s.AccessValidUntil) {
		s.AccessValidUntil = accessUntil
	}
	if refreshUntil.After(s.RefreshValidUntil) {
		s.RefreshValidUntil = refreshUntil
	}
	return s
}

// WithAuthCookies returns a copy holding its own slice.
func (s Session) WithAuthCookies(directives []string) Session {
	s.AuthCookies = append([]string(nil), directives...)
	return s
}

type Validity struct {
	ValidUntil   time.Time `json:"validUntil"`
	RefreshUntil time.Time `json:"refreshUntil"`
}

// CookieInfo describes a gateway cookie without its value. Token values stay
// in Session.AuthCookies and never leave the server.
type CookieInfo struct {
	Name     string     `json:"name"`
	Path     string     `json:"path,omitempty"`
	Domain   string     `json:"domain,omitempty"`
	Expires  *time.Time `json:"expires,omitempty"`
	MaxAge   int        `json:"maxAge,omitempty"`
	HttpOnly bool       `json:"httpOnly"`
	Secure   bool       `json:"secure"`
	SameSite string     `json:"sameSite,omitempty"`
}

// Contract is the read-only view handed to pages.
type Contract struct {
	User         *model.User  `json:"user"`
	Validity     Validity     `json:"validity"`
	AuthCookies  []CookieInfo `json:"authCookies"`
	Error        ErrorKind    `json:"error,omitempty"`
	NeedsRefresh bool         `json:"needsRefresh"`
}

func (s Session) Contract() Contract {
	c := Contract{
		Validity: Validity{
			ValidUntil:   s.AccessValidUntil,
			RefreshUntil: s.RefreshValidUntil,
		},
		AuthCookies:  describeCookies(s.AuthCookies),
		Error:        s.Error,
		NeedsRefresh: s.NeedsRefresh,
	}
	if s.Authenticated() {
		user := s.User
		user.Roles = append([]string(nil), s.User.Roles...)
		c.User = &user
	}
	return c
}

func describeCookies(directives []string) []CookieInfo {
	out := make([]CookieInfo, 0, len(directives))
	for _, raw := range directives {
		c, err := http.ParseSetCookie(raw)
		if err != nil {
			continue
		}
		info := CookieInfo{
			Name:     c.Name,
			Path:     c.Path,
			Domain:   c.Domain,
			MaxAge:   c.MaxAge,
			HttpOnly: c.HttpOnly,
			Secure:   c.Secure,
			SameSite: sameSiteName(c.SameSite),
		}
		if !c.Expires.IsZero() {
			expires := c.Expires.UTC()
			info.Expires = &expires
		}
		out = append(out, info)
	}
	return out
}

func sameSiteName(mode http.SameSite) string {
	switch mode {
	case http.SameSiteLaxMode:
		return "Lax"
	case http.SameSiteStrictMode:
		return "Strict"
	case http.SameSiteNoneMode:
		return "None"
	default:
		return ""
	}
}

type contextKey struct{}

func NewContext(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the session decoded for this request, if any.
func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(contextKey{}).(Session)
	return s, ok
}
