// Package identity issues and validates the session tokens behind
// POST /auth/login and extracts the authenticated user from later
// requests. There is no user database: credentials are a small
// statically-configured list, and identity beyond that is whatever the
// token carries.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/byteowlz/sessiond/internal/config"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	// SingleUserID is the fixed user id used when no credentials are
	// configured at all (single-user local deployment, spec.md's first
	// deployment shape) — every request is simply that one user.
	SingleUserID = "local"

	bearerPrefix = "Bearer "
)

type contextKey int

const userIDKey contextKey = iota

// UserIDFromContext extracts the authenticated user id from the request
// context. Empty if Middleware never ran.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID injects userID into ctx the same way Middleware does, for
// handler tests in other packages that need an authenticated context
// without running the full middleware chain.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// claims are the JWT payload issued by Login.
type claims struct {
	jwt.RegisteredClaims
}

// Authenticator validates login credentials and issues/verifies session
// tokens over the configured set of static users.
type Authenticator struct {
	cfg config.AuthConfig
}

// NewAuthenticator builds an Authenticator from cfg.
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{cfg: cfg}
}

// RequiresToken reports whether any login credentials are configured. When
// false, every request resolves to SingleUserID without a token.
func (a *Authenticator) RequiresToken() bool {
	return len(a.cfg.Users) > 0
}

var errInvalidCredentials = errors.New("invalid username or password")

// Login validates userID/password against the configured user list and, on
// success, returns a signed token and its expiry.
func (a *Authenticator) Login(userID, password string) (string, time.Time, error) {
	for _, u := range a.cfg.Users {
		if u.UserID != userID {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
			return "", time.Time{}, errInvalidCredentials
		}
		return a.issueToken(userID)
	}
	return "", time.Time{}, errInvalidCredentials
}

func (a *Authenticator) issueToken(userID string) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(a.cfg.TokenTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := token.SignedString(a.cfg.JWTSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, exp, nil
}

// Validate parses and verifies tokenString, returning the user id it was
// issued for.
func (a *Authenticator) Validate(tokenString string) (string, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.cfg.JWTSecret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parsing token: %w", err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return "", errors.New("invalid token claims")
	}
	return c.Subject, nil
}

// CookieName is the cookie Login sets and Middleware reads the token from
// when no Authorization header or query parameter is present.
func (a *Authenticator) CookieName() string {
	return a.cfg.CookieName
}

func tokenFromRequest(r *http.Request, cookieName string) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimPrefix(h, bearerPrefix)
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if c, err := r.Cookie(cookieName); err == nil {
		return c.Value
	}
	return ""
}

// Middleware authenticates every request and injects the resolved user id
// into its context. In single-user mode (no configured credentials) it
// skips token validation entirely and resolves every request to
// SingleUserID, matching spec.md's single-user local deployment shape.
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.RequiresToken() {
				ctx := context.WithValue(r.Context(), userIDKey, SingleUserID)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			token := tokenFromRequest(r, a.cfg.CookieName)
			if token == "" {
				http.Error(w, `{"error":"missing credentials"}`, http.StatusUnauthorized)
				return
			}
			userID, err := a.Validate(token)
			if err != nil {
				http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SetCookie attaches a login token as an HTTP-only cookie, for browser
// clients that prefer cookie auth over storing a bearer token.
func (a *Authenticator) SetCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cfg.CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
