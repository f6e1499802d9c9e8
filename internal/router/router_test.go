package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-edge/internal/config"
	"storefront-edge/internal/cookie"
	"storefront-edge/internal/event"
	"storefront-edge/internal/gateway"
	"storefront-edge/internal/handler"
	"storefront-edge/internal/metrics"
	"storefront-edge/internal/middleware"
	"storefront-edge/internal/model"
	"storefront-edge/internal/recovery"
	"storefront-edge/internal/refresh"
	"storefront-edge/internal/route"
	"storefront-edge/internal/session"
)

const testSecret = "router-test-secret-0123456789"

// identityGateway fakes the backend: refresh always mints "fresh" tokens and
// page data requires the fresh access token except under /search.
type identityGateway struct {
	server       *httptest.Server
	refreshCalls atomic.Int32
	dataCalls    atomic.Int32
	logoutFails  bool
}

func newIdentityGateway(t *testing.T) *identityGateway {
	t.Helper()

	g := &identityGateway{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		g.refreshCalls.Add(1)
		if c, err := r.Cookie("refresh_token"); err != nil || c.Value == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "access_token", Value: "fresh", Path: "/", MaxAge: 900})
		writeJSON(w, http.StatusOK, map[string]time.Time{
			"accessValidUntil":  time.Now().Add(15 * time.Minute),
			"refreshValidUntil": time.Now().Add(2 * time.Hour),
		})
	})
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var creds struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Password != "secret" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "INVALID_CREDENTIALS", "message": "bad credentials"})
			return
		}
		access := "fresh"
		if creds.Username == "bulky" {
			access = strings.Repeat("x", 5000)
		}
		http.SetCookie(w, &http.Cookie{Name: "access_token", Value: access, Path: "/", MaxAge: 900})
		http.SetCookie(w, &http.Cookie{Name: "refresh_token", Value: "r1", Path: "/", MaxAge: 7200})
		writeJSON(w, http.StatusOK, map[string]any{
			"user": model.User{ID: "u-1", Username: creds.Username},
		})
	})
	mux.HandleFunc("POST /auth/logout", func(w http.ResponseWriter, r *http.Request) {
		if g.logoutFails {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "refresh_token", Value: "", Path: "/", MaxAge: -1})
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/v1/pages/", func(w http.ResponseWriter, r *http.Request) {
		g.dataCalls.Add(1)
		if strings.HasPrefix(r.URL.Path, "/api/v1/pages/search") {
			writeJSON(w, http.StatusOK, map[string]any{"results": []string{"logo design"}, "query": r.URL.RawQuery})
			return
		}
		if c, err := r.Cookie("access_token"); err != nil || c.Value != "fresh" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"success": false,
				"error":   map[string]string{"code": "UNAUTHORIZED", "message": "access token expired"},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"path": strings.TrimPrefix(r.URL.Path, "/api/v1/pages")})
	})

	g.server = httptest.NewServer(mux)
	t.Cleanup(g.server.Close)
	return g
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

type harness struct {
	gateway *identityGateway
	codec   *session.Codec
	handler http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	g := newIdentityGateway(t)
	client, err := gateway.New(gateway.Options{BaseURL: g.server.URL, Timeout: 2 * time.Second})
	require.NoError(t, err)

	codec, err := session.NewCodec(testSecret)
	require.NoError(t, err)

	cfg := &config.Config{
		RequestTimeout:    5 * time.Second,
		RateLimitRPM:      -1,
		AuthRateLimitRPM:  -1,
		SignInPath:        "/login",
		SessionMaxAge:     time.Hour,
		BackendDataPrefix: "/api/v1/pages",
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	bus := event.NewBus()
	propagator := cookie.NewPropagator(false)

	pipeline := middleware.NewPipeline(
		middleware.Classify(route.Default(), collector),
		middleware.LoadSession(codec, propagator),
		middleware.AnnotateClient(propagator),
		middleware.Refresh(refresh.NewCoordinator(client, propagator, refresh.WithEvents(bus), refresh.WithMetrics(collector)), codec, propagator, cfg.SessionMaxAge),
		middleware.Guard(cfg.SignInPath, propagator),
	)

	h := New(cfg, pipeline, Handlers{
		Auth:     handler.NewAuthHandler(client, codec, propagator, cfg.SessionMaxAge, bus, collector),
		Page:     handler.NewPageHandler(client, recovery.NewBridge(false, recovery.WithMetrics(collector)), cfg.BackendDataPrefix),
		Activity: handler.NewActivityHandler(nil),
	}, reg, nil)

	return &harness{gateway: g, codec: codec, handler: h}
}

func (h *harness) sessionToken(t *testing.T, accessIn time.Duration, refreshIn time.Duration) string {
	t.Helper()
	now := time.Now()
	token, err := h.codec.Encode(session.Session{
		User:              model.User{ID: "u-1", Username: "alice"},
		AccessValidUntil:  now.Add(accessIn),
		RefreshValidUntil: now.Add(refreshIn),
		AuthCookies:       []string{"access_token=stale; Path=/", "refresh_token=r1; Path=/"},
	})
	require.NoError(t, err)
	return token
}

// browser returns a client with a cookie jar that follows redirects and counts
// them.
func browser(t *testing.T, server *httptest.Server, cookies []*http.Cookie) (*http.Client, *cookiejar.Jar, *int) {
	t.Helper()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	base, err := url.Parse(server.URL)
	require.NoError(t, err)
	jar.SetCookies(base, cookies)

	redirects := 0
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			redirects++
			if len(via) > 5 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
	return client, jar, &redirects
}

func jarValue(jar *cookiejar.Jar, server *httptest.Server, name string) string {
	base, _ := url.Parse(server.URL)
	for _, c := range jar.Cookies(base) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

type pageResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Page    route.Classification `json:"page"`
		Mode    route.Mode           `json:"mode"`
		Session session.Contract     `json:"session"`
		Data    map[string]any       `json:"data"`
	} `json:"data"`
}

func TestSellerPageRefreshesExpiredAccessToken(t *testing.T) {
	h := newHarness(t)
	server := httptest.NewServer(h.handler)
	t.Cleanup(server.Close)

	client, jar, redirects := browser(t, server, []*http.Cookie{
		{Name: cookie.SessionTokenName, Value: h.sessionToken(t, -time.Minute, time.Hour)},
		{Name: "access_token", Value: "stale"},
		{Name: "refresh_token", Value: "r1"},
	})

	resp, err := client.Get(server.URL + "/users/alice/manage_gigs")
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Zero(t, *redirects)
	require.EqualValues(t, 1, h.gateway.refreshCalls.Load())

	var page pageResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	require.True(t, page.Success)
	assert.True(t, page.Data.Page.SellerScoped)
	assert.Equal(t, "alice", page.Data.Page.Username)
	assert.Equal(t, route.ModeSeller, page.Data.Mode)
	require.NotNil(t, page.Data.Session.User)
	assert.Equal(t, "alice", page.Data.Session.User.Username)
	assert.True(t, page.Data.Session.Validity.ValidUntil.After(time.Now()))

	assert.Equal(t, "fresh", jarValue(jar, server, "access_token"))
	assert.Equal(t, "seller", jarValue(jar, server, cookie.ModeName))
	assert.Equal(t, "/users/alice/manage_gigs", jarValue(jar, server, cookie.CurrentClientPathName))
}

func TestPublicSearchWithoutCookies(t *testing.T) {
	h := newHarness(t)
	server := httptest.NewServer(h.handler)
	t.Cleanup(server.Close)

	client, jar, redirects := browser(t, server, nil)

	resp, err := client.Get(server.URL + "/search/gigs")
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Zero(t, *redirects)
	require.Zero(t, h.gateway.refreshCalls.Load())

	var page pageResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	assert.True(t, page.Data.Page.Public)
	assert.Nil(t, page.Data.Session.User)
	assert.Equal(t, route.ModeBuyer, page.Data.Mode)
	assert.Equal(t, "buyer", jarValue(jar, server, cookie.ModeName))
}

func TestDownstreamUnauthorizedRecoversWithOneNavigation(t *testing.T) {
	h := newHarness(t)
	server := httptest.NewServer(h.handler)
	t.Cleanup(server.Close)

	// The session timestamps say the access token is fine; the backend disagrees.
	client, jar, redirects := browser(t, server, []*http.Cookie{
		{Name: cookie.SessionTokenName, Value: h.sessionToken(t, 10*time.Minute, time.Hour)},
		{Name: "access_token", Value: "stale"},
		{Name: "refresh_token", Value: "r1"},
	})

	resp, err := client.Get(server.URL + "/orders/42")
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, *redirects, "exactly one in-place navigation")
	require.EqualValues(t, 1, h.gateway.refreshCalls.Load())
	require.EqualValues(t, 2, h.gateway.dataCalls.Load())

	var page pageResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	assert.True(t, page.Data.Page.OrderScoped)
	assert.Equal(t, "42", page.Data.Page.OrderID)
	assert.Equal(t, "/orders/42", page.Data.Data["path"])
	assert.False(t, page.Data.Session.NeedsRefresh)

	assert.Empty(t, jarValue(jar, server, recovery.MarkerName), "marker cleared after success")
	assert.Equal(t, "fresh", jarValue(jar, server, "access_token"))
}

func TestDownstreamUnauthorizedTwiceRendersError(t *testing.T) {
	h := newHarness(t)
	server := httptest.NewServer(h.handler)
	t.Cleanup(server.Close)

	// No refresh cookie anywhere: the gateway refuses, the retry 401s again.
	token, err := h.codec.Encode(session.Session{
		User:              model.User{ID: "u-1", Username: "alice"},
		AccessValidUntil:  time.Now().Add(10 * time.Minute),
		RefreshValidUntil: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	client, _, redirects := browser(t, server, []*http.Cookie{
		{Name: cookie.SessionTokenName, Value: token},
		{Name: "access_token", Value: "stale"},
	})

	resp, err := client.Get(server.URL + "/orders/42")
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, 1, *redirects)
	require.EqualValues(t, 1, h.gateway.refreshCalls.Load())
}

func TestProtectedPageWithoutSessionRedirectsToSignIn(t *testing.T) {
	h := newHarness(t)

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/alice/dashboard", nil))

	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Equal(t, "/login?callbackUrl="+url.QueryEscape("/users/alice/dashboard"), rec.Header().Get("Location"))
	require.Zero(t, h.gateway.dataCalls.Load())
}

func TestSignInStartsSessionAndReturnsCallback(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/auth/signin", strings.NewReader(`{"username":"alice","password":"secret"}`))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: cookie.CallbackURLName, Value: "/users/alice/dashboard"})
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Success bool `json:"success"`
		Data    struct {
			Session     session.Contract `json:"session"`
			CallbackURL string           `json:"callbackUrl"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.True(t, body.Success)
	require.NotNil(t, body.Data.Session.User)
	assert.Equal(t, "u-1", body.Data.Session.User.ID)
	assert.Equal(t, "/users/alice/dashboard", body.Data.CallbackURL)

	cookies := map[string]*http.Cookie{}
	for _, c := range rec.Result().Cookies() {
		cookies[c.Name] = c
	}
	require.Contains(t, cookies, cookie.SessionTokenName)
	require.Contains(t, cookies, "access_token")
	assert.True(t, cookies["access_token"].HttpOnly)
	assert.Negative(t, cookies[cookie.CallbackURLName].MaxAge)

	decoded, err := h.codec.Decode(cookies[cookie.SessionTokenName].Value)
	require.NoError(t, err)
	assert.Equal(t, "alice", decoded.User.Username)
	assert.Len(t, decoded.AuthCookies, 2)
}

func TestSignInRejectedByGateway(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/auth/signin", strings.NewReader(`{"username":"alice","password":"wrong"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "INVALID_CREDENTIALS")
}

func TestSignInFailsWhenSessionCannotBeStored(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/auth/signin", strings.NewReader(`{"username":"bulky","password":"secret"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "SESSION_TOO_LARGE")
	for _, c := range rec.Result().Cookies() {
		assert.NotEqual(t, cookie.SessionTokenName, c.Name)
		assert.NotEqual(t, "access_token", c.Name)
	}
}

func TestSignOutPurgesEvenWhenGatewayFails(t *testing.T) {
	h := newHarness(t)
	h.gateway.logoutFails = true

	req := httptest.NewRequest(http.MethodPost, "/auth/signout", nil)
	req.AddCookie(&http.Cookie{Name: cookie.SessionTokenName, Value: h.sessionToken(t, time.Minute, time.Hour)})
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	purged := map[string]bool{}
	for _, c := range rec.Result().Cookies() {
		require.NotEqual(t, cookie.ModeName, c.Name, "sign-out does not annotate client state")
		require.NotEqual(t, cookie.CurrentClientPathName, c.Name)
		if c.MaxAge < 0 {
			purged[c.Name] = true
		}
	}
	for _, name := range cookie.DeletionAllowList() {
		assert.True(t, purged[name], "expected %s to be purged", name)
	}
	assert.True(t, purged["access_token"])
	assert.True(t, purged["refresh_token"])
}

func TestSessionContractEndpoint(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
	req.AddCookie(&http.Cookie{Name: cookie.SessionTokenName, Value: h.sessionToken(t, time.Minute, time.Hour)})
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var body struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	for _, key := range []string{"user", "validity", "authCookies", "needsRefresh"} {
		assert.Contains(t, body.Data, key)
	}
	assert.NotContains(t, body.Data, "error")
}

func TestGatewayTokenValuesStayOnServer(t *testing.T) {
	h := newHarness(t)
	token := h.sessionToken(t, time.Minute, time.Hour)

	for _, path := range []string{"/api/auth/session", "/search/gigs"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			req.AddCookie(&http.Cookie{Name: cookie.SessionTokenName, Value: token})
			rec := httptest.NewRecorder()
			h.handler.ServeHTTP(rec, req)

			require.Equal(t, http.StatusOK, rec.Code)
			body := rec.Body.String()
			assert.Contains(t, body, `"name":"access_token"`)
			assert.NotContains(t, body, "stale")
			assert.NotContains(t, body, "refresh_token=")
		})
	}

	t.Run("sign-in", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/auth/signin", strings.NewReader(`{"username":"alice","password":"secret"}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotContains(t, rec.Body.String(), "fresh")
		assert.NotContains(t, rec.Body.String(), "r1")
	})
}

func TestPageDataKeepsQueryString(t *testing.T) {
	h := newHarness(t)

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/search/gigs?q=logo&sort=new", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var page pageResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&page))
	assert.Equal(t, "q=logo&sort=new", page.Data.Data["query"])
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	h.handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/search/gigs", nil))

	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `storefront_route_classification_total{kind="public"} 1`)
}

func TestHealthReportsDependencyFailure(t *testing.T) {
	cfg := &config.Config{RequestTimeout: time.Second, RateLimitRPM: -1, AuthRateLimitRPM: -1}
	failing := func(context.Context) error { return context.DeadlineExceeded }
	h := New(cfg, middleware.NewPipeline(), Handlers{}, prometheus.NewRegistry(), failing)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
