// Package refresh decides, per request, whether a session's access token is
// usable, refreshable or terminally expired, and performs the refresh.
//
// Each request refreshes on its own. Parallel requests from one browser may
// each call the gateway; the gateway is the source of truth and every refresh
// it grants is valid on its own, so the duplicates cost a round trip but never
// correctness.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"storefront-edge/internal/cookie"
	"storefront-edge/internal/event"
	"storefront-edge/internal/gateway"
	"storefront-edge/internal/metrics"
	"storefront-edge/internal/model"
	"storefront-edge/internal/session"
)

type State int

const (
	StateValid State = iota
	StateRefreshable
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateValid:
		return "valid"
	case StateRefreshable:
		return "refreshable"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Evaluate classifies s at now. A session flagged NeedsRefresh is refreshable
// while its refresh token lives, even if the access token has time left.
func Evaluate(s session.Session, now time.Time) State {
	if s.Terminal() || !now.Before(s.RefreshValidUntil) {
		return StateExpired
	}
	if s.NeedsRefresh || !now.Before(s.AccessValidUntil) {
		return StateRefreshable
	}
	return StateValid
}

type Gateway interface {
	Refresh(ctx context.Context, cookies []*http.Cookie) (gateway.RefreshResult, error)
}

type Outcome struct {
	Session   session.Session
	State     State
	Refreshed bool
	// Cookies are the gateway cookies to mirror onto the response. Set only
	// after a successful refresh.
	Cookies []*http.Cookie
	Err     error
}

type Coordinator struct {
	gateway    Gateway
	propagator *cookie.Propagator
	events     event.Publisher
	metrics    metrics.Recorder
	now        func() time.Time
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithEvents(p event.Publisher) Option {
	return func(c *Coordinator) { c.events = p }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(c *Coordinator) { c.metrics = r }
}

func NewCoordinator(gw Gateway, propagator *cookie.Propagator, opts ...Option) *Coordinator {
	c := &Coordinator{
		gateway:    gw,
		propagator: propagator,
		events:     event.Discard{},
		metrics:    metrics.Nop{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ensure makes at most one gateway call. Failures never escape as errors to
// the caller's control flow; they are folded into the returned session.
func (c *Coordinator) Ensure(ctx context.Context, s session.Session, forward []*http.Cookie) Outcome {
	now := c.now()
	state := Evaluate(s, now)

	switch state {
	case StateValid:
		c.metrics.RecordRefresh(metrics.RefreshValid)
		return Outcome{Session: s, State: state}

	case StateExpired:
		s.Error = session.RefreshTokenExpired
		s.NeedsRefresh = false
		c.metrics.RecordRefresh(metrics.RefreshExpired)
		c.events.Publish(event.New(event.TypeSessionExpired, s.User.ID, "", ""))
		return Outcome{Session: s, State: state, Err: model.ErrSessionTerminal}
	}

	result, err := c.gateway.Refresh(ctx, forward)
	if err == nil && !result.AccessValidUntil.After(now) {
		err = fmt.Errorf("%w: refreshed access token already expired", model.ErrMalformedResponse)
	}
	if err != nil {
		slog.Warn("session refresh failed", "user_id", s.User.ID, "error", err)
		s.Error = session.RefreshAccessTokenError
		s.NeedsRefresh = false
		c.metrics.RecordRefresh(metrics.RefreshFailed)
		c.events.Publish(event.New(event.TypeSessionRefreshFailed, s.User.ID, "", err.Error()))
		return Outcome{Session: s, State: state, Err: err}
	}

	refreshed := s.
		WithValidity(result.AccessValidUntil, result.RefreshValidUntil).
		WithAuthCookies(cookie.MergeDirectives(s.AuthCookies, result.SetCookies))
	refreshed.Error = session.ErrorNone
	refreshed.NeedsRefresh = false

	c.metrics.RecordRefresh(metrics.RefreshRefreshed)
	c.events.Publish(event.New(event.TypeSessionRefreshed, s.User.ID, "", ""))

	return Outcome{
		Session:   refreshed,
		State:     state,
		Refreshed: true,
		Cookies:   c.propagator.Mirror(result.SetCookies),
	}
}
