package config

import (
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestLoadAuthConfigParsesUserList(t *testing.T) {
	t.Setenv("SESSIOND_AUTH_USERS", "alice:hunter2, bob:s3cret ")
	t.Setenv("SESSIOND_JWT_SECRET", "fixed-test-secret")

	cfg, err := loadAuthConfig()
	if err != nil {
		t.Fatalf("loadAuthConfig() error = %v", err)
	}
	if len(cfg.Users) != 2 {
		t.Fatalf("len(Users) = %d, want 2", len(cfg.Users))
	}
	if cfg.Users[0].UserID != "alice" || cfg.Users[1].UserID != "bob" {
		t.Fatalf("unexpected user ids: %+v", cfg.Users)
	}
	if bcrypt.CompareHashAndPassword([]byte(cfg.Users[0].PasswordHash), []byte("hunter2")) != nil {
		t.Fatal("password hash does not match hunter2")
	}
	if string(cfg.JWTSecret) != "fixed-test-secret" {
		t.Fatalf("JWTSecret = %q, want fixed-test-secret", cfg.JWTSecret)
	}
}

func TestLoadAuthConfigRejectsMalformedEntry(t *testing.T) {
	t.Setenv("SESSIOND_AUTH_USERS", "alice-no-colon")

	if _, err := loadAuthConfig(); err == nil {
		t.Fatal("expected error for malformed SESSIOND_AUTH_USERS entry")
	}
}

func TestLoadAuthConfigGeneratesEphemeralSecretWhenUnset(t *testing.T) {
	t.Setenv("SESSIOND_JWT_SECRET", "")
	t.Setenv("SESSIOND_AUTH_USERS", "")

	cfg, err := loadAuthConfig()
	if err != nil {
		t.Fatalf("loadAuthConfig() error = %v", err)
	}
	if len(cfg.JWTSecret) == 0 {
		t.Fatal("expected a generated secret")
	}
	if len(cfg.Users) != 0 {
		t.Fatalf("expected no users, got %d", len(cfg.Users))
	}
}
