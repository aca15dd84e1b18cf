package redirect

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"qazna.org/xs2a/internal/domain"
)

func TestLinkRoundTrip(t *testing.T) {
	s, err := NewSigner([]byte("top-secret"), "https://bank.example/sca?lang=en", time.Minute)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	a := domain.Authorisation{ID: "auth-1", ParentID: "pay-1", ObjectType: domain.ObjectPIS, Type: domain.AuthorisationPisCreation}

	link, expires, err := s.Link(a)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if time.Until(expires) <= 0 {
		t.Fatalf("expected future expiry, got %v", expires)
	}
	u, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	if u.Query().Get("lang") != "en" {
		t.Fatalf("base query lost: %s", link)
	}

	claims, err := s.Parse(u.Query().Get("token"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "auth-1" || claims.ParentID != "pay-1" || claims.ObjectType != domain.ObjectPIS {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseRejectsExpired(t *testing.T) {
	now := time.Now()
	s, err := NewSigner([]byte("k"), "https://bank.example/sca", time.Minute, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	token, _, err := s.Token(domain.Authorisation{ID: "auth-1"})
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := s.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsForeignKey(t *testing.T) {
	a, _ := NewSigner([]byte("one"), "https://bank.example/sca", time.Minute)
	b, _ := NewSigner([]byte("two"), "https://bank.example/sca", time.Minute)
	token, _, err := a.Token(domain.Authorisation{ID: "auth-1"})
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if _, err := b.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsNoneAlgorithm(t *testing.T) {
	s, _ := NewSigner([]byte("k"), "https://bank.example/sca", time.Minute)
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   "auth-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := s.Parse(unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestNewSignerValidation(t *testing.T) {
	if _, err := NewSigner(nil, "https://bank.example", time.Minute); err == nil {
		t.Fatal("expected error for empty secret")
	}
	if _, err := NewSigner([]byte("k"), " ", time.Minute); err == nil {
		t.Fatal("expected error for empty base url")
	}
}
