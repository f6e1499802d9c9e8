// Package gateway is the HTTP client for the backend identity gateway and the
// data services behind it.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"storefront-edge/internal/cookie"
	"storefront-edge/internal/model"
	"storefront-edge/pkg/apierror"
)

const (
	refreshPath = "/auth/refresh"
	logoutPath  = "/auth/logout"
	loginPath   = "/auth/login"

	maxBodyBytes = 1 << 20
)

type Options struct {
	BaseURL       string
	Timeout       time.Duration
	AccessCookie  string
	RefreshCookie string
	Transport     http.RoundTripper
}

type Client struct {
	baseURL       *url.URL
	http          *http.Client
	accessCookie  string
	refreshCookie string
	now           func() time.Time
}

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid gateway URL %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.AccessCookie == "" {
		opts.AccessCookie = "access_token"
	}
	if opts.RefreshCookie == "" {
		opts.RefreshCookie = "refresh_token"
	}

	return &Client{
		baseURL:       base,
		http:          &http.Client{Timeout: opts.Timeout, Transport: opts.Transport},
		accessCookie:  opts.AccessCookie,
		refreshCookie: opts.RefreshCookie,
		now:           time.Now,
	}, nil
}

type Validity struct {
	AccessValidUntil  time.Time `json:"accessValidUntil"`
	RefreshValidUntil time.Time `json:"refreshValidUntil"`
}

type RefreshResult struct {
	Validity
	SetCookies []string
}

type LoginResult struct {
	User model.User
	Validity
	SetCookies []string
}

type LogoutResult struct {
	SetCookies []string
}

// Refresh asks the gateway to mint a new access token from the forwarded
// cookies. Validity comes from the JSON body when present, otherwise from the
// access and refresh cookie lifetimes.
func (c *Client) Refresh(ctx context.Context, cookies []*http.Cookie) (RefreshResult, error) {
	resp, body, err := c.do(ctx, http.MethodPost, refreshPath, "", nil, "", cookies)
	if err != nil {
		return RefreshResult{}, err
	}

	setCookies := resp.Header.Values("Set-Cookie")
	validity, err := c.validity(body, setCookies)
	if err != nil {
		return RefreshResult{}, err
	}

	return RefreshResult{Validity: validity, SetCookies: setCookies}, nil
}

func (c *Client) Logout(ctx context.Context, cookies []*http.Cookie) (LogoutResult, error) {
	resp, _, err := c.do(ctx, http.MethodPost, logoutPath, "", nil, "", cookies)
	if err != nil {
		return LogoutResult{}, err
	}
	return LogoutResult{SetCookies: resp.Header.Values("Set-Cookie")}, nil
}

// Login forwards the credential payload untouched.
func (c *Client) Login(ctx context.Context, payload io.Reader, contentType string) (LoginResult, error) {
	resp, body, err := c.do(ctx, http.MethodPost, loginPath, "", payload, contentType, nil)
	if err != nil {
		return LoginResult{}, err
	}

	var parsed struct {
		User model.User `json:"user"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return LoginResult{}, fmt.Errorf("%w: login body: %v", model.ErrMalformedResponse, err)
	}
	if parsed.User.ID == "" {
		return LoginResult{}, fmt.Errorf("%w: login body has no user", model.ErrMalformedResponse)
	}

	setCookies := resp.Header.Values("Set-Cookie")
	validity, err := c.validity(body, setCookies)
	if err != nil {
		return LoginResult{}, err
	}

	return LoginResult{User: parsed.User, Validity: validity, SetCookies: setCookies}, nil
}

// Fetch performs an authenticated data read. Non-2xx answers come back as
// *apierror.APIError carrying the upstream status.
func (c *Client) Fetch(ctx context.Context, path string, rawQuery string, cookies []*http.Cookie) (json.RawMessage, error) {
	_, body, err := c.do(ctx, http.MethodGet, path, rawQuery, nil, "", cookies)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: data body is not JSON", model.ErrMalformedResponse)
	}
	return json.RawMessage(body), nil
}

func (c *Client) do(ctx context.Context, method string, path string, rawQuery string, payload io.Reader, contentType string, cookies []*http.Cookie) (*http.Response, []byte, error) {
	target := c.baseURL.JoinPath(path)
	target.RawQuery = rawQuery

	req, err := http.NewRequestWithContext(ctx, method, target.String(), payload)
	if err != nil {
		return nil, nil, fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for _, ck := range cookies {
		req.AddCookie(&http.Cookie{Name: ck.Name, Value: ck.Value})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s %s: %v", model.ErrGatewayUnreachable, method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read body: %v", model.ErrGatewayUnreachable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, body, fmt.Errorf("%w: %w", model.ErrGatewayRejected, decodeError(resp.StatusCode, body))
	}

	return resp, body, nil
}

func (c *Client) validity(body []byte, setCookies []string) (Validity, error) {
	var v Validity
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 {
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return Validity{}, fmt.Errorf("%w: validity body: %v", model.ErrMalformedResponse, err)
		}
	}

	if v.AccessValidUntil.IsZero() || v.RefreshValidUntil.IsZero() {
		now := c.now()
		for _, ck := range cookie.Parse(setCookies) {
			expiry := cookieExpiry(ck, now)
			switch ck.Name {
			case c.accessCookie:
				if v.AccessValidUntil.IsZero() {
					v.AccessValidUntil = expiry
				}
			case c.refreshCookie:
				if v.RefreshValidUntil.IsZero() {
					v.RefreshValidUntil = expiry
				}
			}
		}
	}

	if v.AccessValidUntil.IsZero() || v.RefreshValidUntil.IsZero() {
		return Validity{}, fmt.Errorf("%w: no validity in body or cookies", model.ErrMalformedResponse)
	}
	if v.RefreshValidUntil.Before(v.AccessValidUntil) {
		return Validity{}, fmt.Errorf("%w: refresh validity ends before access validity", model.ErrMalformedResponse)
	}

	return Validity{
		AccessValidUntil:  v.AccessValidUntil.UTC(),
		RefreshValidUntil: v.RefreshValidUntil.UTC(),
	}, nil
}

func cookieExpiry(c *http.Cookie, now time.Time) time.Time {
	if c.MaxAge > 0 {
		return now.Add(time.Duration(c.MaxAge) * time.Second)
	}
	return c.Expires
}

// decodeError accepts both the bare {code,message} shape and the
// {success,error:{...}} envelope.
func decodeError(status int, body []byte) *apierror.APIError {
	apiErr := apierror.New("UPSTREAM_ERROR", http.StatusText(status), "", status)

	var envelope struct {
		Error *model.APIError `json:"error"`
		model.APIError
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return apiErr
	}

	parsed := envelope.APIError
	if envelope.Error != nil {
		parsed = *envelope.Error
	}
	if parsed.Code != "" {
		apiErr.Code = parsed.Code
	}
	if parsed.Message != "" {
		apiErr.Message = parsed.Message
	}
	apiErr.Details = parsed.Details
	return apiErr
}

// IsUnreachable reports transport-level failures.
func IsUnreachable(err error) bool {
	return errors.Is(err, model.ErrGatewayUnreachable)
}
