package httpapi

import (
	"strings"
	"testing"
	"time"

	"tokosync/backend/internal/domain"
)

func TestPlainOperatorPasswordIsHashed(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, Operator{Username: " Kasir ", Password: "pass1234"})

	cred, ok := manager.users["kasir"]
	if !ok {
		t.Fatalf("expected operator to be registered under a normalized name")
	}
	if !strings.HasPrefix(cred.password, "$2") {
		t.Fatalf("expected bcrypt hash, got %s", cred.password)
	}
	if cred.role != RoleCashier {
		t.Fatalf("expected default cashier role, got %s", cred.role)
	}

	resp, err := manager.Login(domain.LoginRequest{Username: "kasir", Password: "pass1234"})
	if err != nil {
		t.Fatalf("login with hashed operator failed: %v", err)
	}
	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "kasir" || actor.Role != RoleCashier {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestOperatorWithoutPasswordIsIgnored(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, Operator{Username: "ghost", Role: RoleAdmin})
	if _, err := manager.Login(domain.LoginRequest{Username: "ghost", Password: ""}); err == nil {
		t.Fatalf("expected login to fail for operator without password")
	}
}

func TestTokensAreBoundToSecretAndExpiry(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour)
	other := NewAuthManager("other-secret", time.Hour)

	token, err := other.sign("admin", RoleAdmin, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(token); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}

	expired, err := manager.sign("admin", RoleAdmin, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(expired); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}
