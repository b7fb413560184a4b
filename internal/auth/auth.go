// Package auth issues and verifies the session tokens that identify a signed-in user. It stands in for a
// hosted identity provider: the web pages sign a user up by minting a token, and the proxy trusts only the
// subject of tokens it can verify.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CookieName is the cookie carrying the session token in browsers.
const CookieName = "aigen_session"

var (
	ErrSecretRequired = errors.New("auth: jwt secret required")
	ErrInvalidToken   = errors.New("auth: invalid token")
	ErrNoToken        = errors.New("auth: no token")
)

// Session is a minted token together with the user it identifies.
type Session struct {
	UserID    string
	Token     string
	ExpiresAt time.Time
}

// Service mints and verifies HS256 session tokens.
type Service struct {
	secret []byte
	ttl    time.Duration
}

// NewService creates a Service signing with secret. A non-positive ttl defaults to 30 days.
func NewService(secret string, ttl time.Duration) (*Service, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrSecretRequired
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}

	return &Service{
		secret: []byte(secret),
		ttl:    ttl,
	}, nil
}

// SignUp creates a new user identity and a session token for it.
func (s *Service) SignUp() (Session, error) {
	return s.Issue(uuid.NewString())
}

// Issue mints a session token for userID.
func (s *Service) Issue(userID string) (Session, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return Session{}, err
	}

	return Session{UserID: userID, Token: signed, ExpiresAt: expiresAt}, nil
}

// Verify checks token and returns the user ID it was issued for.
func (s *Service) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		return "", errors.Join(ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}

	return claims.Subject, nil
}

// Cookie returns the browser cookie for sess.
func Cookie(sess Session) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearCookie returns a cookie that removes the session from the browser.
func ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

// TokenFromRequest extracts the session token from a bearer Authorization header or, failing that, from
// the session cookie.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			return "", ErrNoToken
		}
		return strings.TrimSpace(token), nil
	}

	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return "", ErrNoToken
	}
	return c.Value, nil
}
