package session

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"storefront-edge/internal/model"
)

const testSecret = "0123456789abcdef-storefront"

func sampleSession(now time.Time) Session {
	return Session{
		User:              model.User{ID: "u-1", Username: "alice", Roles: []string{"seller"}},
		AccessValidUntil:  now.Add(10 * time.Minute).Truncate(time.Second),
		RefreshValidUntil: now.Add(24 * time.Hour).Truncate(time.Second),
		AuthCookies:       []string{"access_token=a1; Path=/; HttpOnly", "refresh_token=r1; Path=/; HttpOnly"},
	}
}

func TestCodec(t *testing.T) {
	t.Parallel()

	t.Run("rejects short secrets", func(t *testing.T) {
		_, err := NewCodec("short")
		require.Error(t, err)
	})

	t.Run("decodes what it encodes", func(t *testing.T) {
		codec, err := NewCodec(testSecret)
		require.NoError(t, err)

		now := time.Now().UTC()
		original := sampleSession(now)
		original.NeedsRefresh = true

		token, err := codec.Encode(original)
		require.NoError(t, err)

		decoded, err := codec.Decode(token)
		require.NoError(t, err)
		require.Equal(t, original.User, decoded.User)
		require.True(t, original.AccessValidUntil.Equal(decoded.AccessValidUntil))
		require.True(t, original.RefreshValidUntil.Equal(decoded.RefreshValidUntil))
		require.Equal(t, original.AuthCookies, decoded.AuthCookies)
		require.False(t, decoded.NeedsRefresh, "needs-refresh is request scoped")
	})

	t.Run("token signed with another secret is invalid", func(t *testing.T) {
		codec, err := NewCodec(testSecret)
		require.NoError(t, err)
		other, err := NewCodec("fedcba9876543210-storefront")
		require.NoError(t, err)

		token, err := other.Encode(sampleSession(time.Now()))
		require.NoError(t, err)

		_, err = codec.Decode(token)
		require.ErrorIs(t, err, model.ErrSessionInvalid)
	})

	t.Run("empty token is missing", func(t *testing.T) {
		codec, err := NewCodec(testSecret)
		require.NoError(t, err)
		_, err = codec.Decode("  ")
		require.ErrorIs(t, err, model.ErrSessionMissing)
	})

	t.Run("refuses tokens browsers would drop", func(t *testing.T) {
		codec, err := NewCodec(testSecret)
		require.NoError(t, err)

		s := sampleSession(time.Now())
		s.AuthCookies = []string{
			"access_token=" + strings.Repeat("a", 800) + "; Path=/; HttpOnly",
			"refresh_token=" + strings.Repeat("r", 800) + "; Path=/; HttpOnly",
		}
		token, err := codec.Encode(s)
		require.NoError(t, err)
		require.LessOrEqual(t, len(token), MaxTokenBytes)

		s.AuthCookies[0] = "access_token=" + strings.Repeat("a", 3000) + "; Path=/; HttpOnly"
		_, err = codec.Encode(s)
		require.ErrorIs(t, err, model.ErrSessionTooLarge)
	})

	t.Run("expired refresh still decodes inside the grace window", func(t *testing.T) {
		codec, err := NewCodec(testSecret)
		require.NoError(t, err)

		now := time.Now().UTC()
		s := sampleSession(now)
		s.AccessValidUntil = now.Add(-2 * time.Hour)
		s.RefreshValidUntil = now.Add(-time.Hour)

		token, err := codec.Encode(s)
		require.NoError(t, err)
		decoded, err := codec.Decode(token)
		require.NoError(t, err)
		require.True(t, decoded.RefreshValidUntil.Before(now))
	})

	t.Run("unknown schema version is rejected", func(t *testing.T) {
		codec, err := NewCodec(testSecret)
		require.NoError(t, err)

		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
			Version: SchemaVersion + 1,
			User:    userClaim{ID: "u-1"},
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    issuer,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		signed, err := token.SignedString(codec.key)
		require.NoError(t, err)

		_, err = codec.Decode(signed)
		require.ErrorIs(t, err, model.ErrSessionVersion)
	})
}

func TestSessionValues(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	t.Run("validity never moves backwards", func(t *testing.T) {
		s := sampleSession(now)
		moved := s.WithValidity(now.Add(time.Minute), now.Add(48*time.Hour))
		require.Equal(t, s.AccessValidUntil, moved.AccessValidUntil)
		require.Equal(t, now.Add(48*time.Hour), moved.RefreshValidUntil)
	})

	t.Run("auth cookies are copied", func(t *testing.T) {
		directives := []string{"a=1"}
		s := sampleSession(now).WithAuthCookies(directives)
		directives[0] = "a=2"
		require.Equal(t, "a=1", s.AuthCookies[0])
	})

	t.Run("contract hides the user of a failed session", func(t *testing.T) {
		s := sampleSession(now)
		s.Error = RefreshAccessTokenError
		c := s.Contract()
		require.Nil(t, c.User)
		require.Equal(t, RefreshAccessTokenError, c.Error)
		require.False(t, s.Authenticated())
		require.False(t, s.Terminal())
	})

	t.Run("contract describes cookies without their values", func(t *testing.T) {
		s := sampleSession(now).WithAuthCookies([]string{
			"access_token=a-secret; Path=/; Max-Age=900; HttpOnly; Secure; SameSite=Strict",
			"refresh_token=r-secret; Path=/auth; Domain=shop.example; HttpOnly",
			"not a cookie",
		})
		c := s.Contract()
		require.Equal(t, []CookieInfo{
			{Name: "access_token", Path: "/", MaxAge: 900, HttpOnly: true, Secure: true, SameSite: "Strict"},
			{Name: "refresh_token", Path: "/auth", Domain: "shop.example", HttpOnly: true},
		}, c.AuthCookies)

		encoded, err := json.Marshal(c)
		require.NoError(t, err)
		require.NotContains(t, string(encoded), "a-secret")
		require.NotContains(t, string(encoded), "r-secret")
	})

	t.Run("terminal sessions", func(t *testing.T) {
		s := sampleSession(now)
		s.Error = RefreshTokenExpired
		require.True(t, s.Terminal())
		require.False(t, s.Authenticated())
	})
}
