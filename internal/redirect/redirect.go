// Package redirect issues the links a PSU follows to authorise at the bank
// under the redirect approach. A link carries a signed, expiring token bound
// to one authorisation.
package redirect

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"qazna.org/xs2a/internal/domain"
)

const issuer = "xs2a-core"

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = errors.New("redirect: invalid token")

// Claims bind a redirect token to an authorisation. Subject is the
// authorisation id.
type Claims struct {
	ParentID          string                   `json:"pid"`
	ObjectType        domain.ObjectType        `json:"obj"`
	AuthorisationType domain.AuthorisationType `json:"atp"`
	jwt.RegisteredClaims
}

// Signer creates and verifies redirect tokens with HS256.
type Signer struct {
	secret  []byte
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

func NewSigner(secret []byte, baseURL string, ttl time.Duration, opts ...Option) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errors.New("redirect secret is not configured")
	}
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("redirect base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("redirect base url: %w", err)
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	s := &Signer{secret: secret, baseURL: baseURL, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Token signs a token for a.
func (s *Signer) Token(a domain.Authorisation) (string, time.Time, error) {
	now := s.now().UTC()
	expires := now.Add(s.ttl)
	claims := Claims{
		ParentID:          a.ParentID,
		ObjectType:        a.ObjectType,
		AuthorisationType: a.Type,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   a.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Link returns the URL the PSU is sent to.
func (s *Signer) Link(a domain.Authorisation) (string, time.Time, error) {
	token, expires, err := s.Token(a)
	if err != nil {
		return "", time.Time{}, err
	}
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", time.Time{}, err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), expires, nil
}

// Parse verifies signature, issuer and expiry.
func (s *Signer) Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
