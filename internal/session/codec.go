package session

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"storefront-edge/internal/model"
)

// SchemaVersion is bumped whenever the claim layout changes. Tokens carrying
// any other version are rejected rather than partially decoded.
const SchemaVersion = 1

const (
	keyInfo = "storefront-edge session token signing key"
	issuer  = "storefront-edge"
)

// staleGrace bounds how long a token outlives its refresh validity. Tokens
// inside the grace still decode so the coordinator can mark them expired.
const staleGrace = 24 * time.Hour

// MaxTokenBytes keeps the session cookie, name and attributes included, under
// the 4096 bytes browsers store per cookie.
const MaxTokenBytes = 3800

type claims struct {
	Version      int       `json:"v"`
	User         userClaim `json:"usr"`
	AccessUntil  int64     `json:"aexp"`
	RefreshUntil int64     `json:"rexp"`
	AuthCookies  []string  `json:"ck,omitempty"`
	Error        ErrorKind `json:"err,omitempty"`
	jwt.RegisteredClaims
}

type userClaim struct {
	ID       string   `json:"id"`
	Username string   `json:"name"`
	Roles    []string `json:"roles,omitempty"`
}

// Codec signs and verifies session tokens with a key derived from the
// configured secret.
type Codec struct {
	key []byte
	now func() time.Time
}

func NewCodec(secret string) (*Codec, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < 16 {
		return nil, errors.New("session secret must be at least 16 characters")
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}

	return &Codec{key: key, now: time.Now}, nil
}

func (c *Codec) Encode(s Session) (string, error) {
	now := c.now().UTC()
	tokenClaims := claims{
		Version: SchemaVersion,
		User: userClaim{
			ID:       s.User.ID,
			Username: s.User.Username,
			Roles:    s.User.Roles,
		},
		AccessUntil:  s.AccessValidUntil.Unix(),
		RefreshUntil: s.RefreshValidUntil.Unix(),
		AuthCookies:  s.AuthCookies,
		Error:        s.Error,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   s.User.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(s.RefreshValidUntil.Add(staleGrace)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims)
	signed, err := token.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	if len(signed) > MaxTokenBytes {
		return "", fmt.Errorf("%w: %d bytes", model.ErrSessionTooLarge, len(signed))
	}
	return signed, nil
}

// Decode verifies the token. NeedsRefresh is never read from the token; it is
// a per-request flag.
func (c *Codec) Decode(raw string) (Session, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Session{}, model.ErrSessionMissing
	}

	var tokenClaims claims
	_, err := jwt.ParseWithClaims(raw, &tokenClaims, func(*jwt.Token) (any, error) {
		return c.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", model.ErrSessionInvalid, err)
	}

	if tokenClaims.Version != SchemaVersion {
		return Session{}, fmt.Errorf("%w: %d", model.ErrSessionVersion, tokenClaims.Version)
	}
	if tokenClaims.User.ID == "" {
		return Session{}, fmt.Errorf("%w: missing user", model.ErrSessionInvalid)
	}
	switch tokenClaims.Error {
	case ErrorNone, RefreshTokenExpired, RefreshAccessTokenError:
	default:
		return Session{}, fmt.Errorf("%w: unknown error kind %q", model.ErrSessionInvalid, tokenClaims.Error)
	}

	return Session{
		User: model.User{
			ID:       tokenClaims.User.ID,
			Username: tokenClaims.User.Username,
			Roles:    tokenClaims.User.Roles,
		},
		AccessValidUntil:  time.Unix(tokenClaims.AccessUntil, 0).UTC(),
		RefreshValidUntil: time.Unix(tokenClaims.RefreshUntil, 0).UTC(),
		AuthCookies:       tokenClaims.AuthCookies,
		Error:             tokenClaims.Error,
	}, nil
}
