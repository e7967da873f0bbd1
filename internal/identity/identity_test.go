package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/byteowlz/sessiond/internal/config"
	"golang.org/x/crypto/bcrypt"
)

func testAuthConfig(t *testing.T, users ...config.AuthUser) config.AuthConfig {
	t.Helper()
	return config.AuthConfig{
		JWTSecret:  []byte("test-secret"),
		TokenTTL:   time.Hour,
		CookieName: "sessiond_auth",
		Users:      users,
	}
}

func hashPassword(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword() error = %v", err)
	}
	return string(hash)
}

func TestLoginAndValidateRoundTrip(t *testing.T) {
	cfg := testAuthConfig(t, config.AuthUser{UserID: "alice", PasswordHash: hashPassword(t, "hunter2")})
	auth := NewAuthenticator(cfg)

	token, expires, err := auth.Login("alice", "hunter2")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}
	if !expires.After(time.Now()) {
		t.Fatalf("expected future expiry, got %v", expires)
	}

	userID, err := auth.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if userID != "alice" {
		t.Fatalf("Validate() userID = %q, want alice", userID)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	cfg := testAuthConfig(t, config.AuthUser{UserID: "alice", PasswordHash: hashPassword(t, "hunter2")})
	auth := NewAuthenticator(cfg)

	if _, _, err := auth.Login("alice", "wrong"); err == nil {
		t.Fatal("expected error for wrong password")
	}
}

func TestLoginRejectsUnknownUser(t *testing.T) {
	auth := NewAuthenticator(testAuthConfig(t))
	if _, _, err := auth.Login("ghost", "anything"); err == nil {
		t.Fatal("expected error for unknown user")
	}
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	cfg := testAuthConfig(t, config.AuthUser{UserID: "alice", PasswordHash: hashPassword(t, "hunter2")})
	auth := NewAuthenticator(cfg)

	token, _, err := auth.Login("alice", "hunter2")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	if _, err := auth.Validate(token + "x"); err == nil {
		t.Fatal("expected error for tampered token")
	}
}

func TestRequiresTokenReflectsConfiguredUsers(t *testing.T) {
	if NewAuthenticator(testAuthConfig(t)).RequiresToken() {
		t.Fatal("expected RequiresToken() = false with no configured users")
	}
	cfg := testAuthConfig(t, config.AuthUser{UserID: "alice", PasswordHash: hashPassword(t, "x")})
	if !NewAuthenticator(cfg).RequiresToken() {
		t.Fatal("expected RequiresToken() = true with configured users")
	}
}

func TestMiddlewareSingleUserModeSkipsTokenCheck(t *testing.T) {
	auth := NewAuthenticator(testAuthConfig(t))

	var gotUserID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = UserIDFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	w := httptest.NewRecorder()
	auth.Middleware()(next).ServeHTTP(w, req)

	if gotUserID != SingleUserID {
		t.Fatalf("userID = %q, want %q", gotUserID, SingleUserID)
	}
}

func TestMiddlewareMultiUserRejectsMissingToken(t *testing.T) {
	cfg := testAuthConfig(t, config.AuthUser{UserID: "alice", PasswordHash: hashPassword(t, "hunter2")})
	auth := NewAuthenticator(cfg)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler should not run without a token")
	})

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	w := httptest.NewRecorder()
	auth.Middleware()(next).ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestMiddlewareMultiUserAcceptsBearerToken(t *testing.T) {
	cfg := testAuthConfig(t, config.AuthUser{UserID: "alice", PasswordHash: hashPassword(t, "hunter2")})
	auth := NewAuthenticator(cfg)

	token, _, err := auth.Login("alice", "hunter2")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	var gotUserID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = UserIDFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	auth.Middleware()(next).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if gotUserID != "alice" {
		t.Fatalf("userID = %q, want alice", gotUserID)
	}
}
