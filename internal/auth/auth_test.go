package auth

import (
	"errors"
	"testing"
)

func TestAuthenticateKnownKey(t *testing.T) {
	r := New([]string{"key-a", "key-b"})

	owner, err := r.Authenticate("key-a")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if owner != UserID("key-a") {
		t.Errorf("owner = %q, want %q", owner, UserID("key-a"))
	}

	other, _ := r.Authenticate("key-b")
	if other == owner {
		t.Error("distinct keys must resolve to distinct owners")
	}
}

func TestAuthenticateUnknownToken(t *testing.T) {
	r := New([]string{"key-a"})

	if _, err := r.Authenticate("nope"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Authenticate() error = %v, want ErrInvalidToken", err)
	}
	if _, err := r.Authenticate(""); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("empty token error = %v, want ErrInvalidToken", err)
	}
}

func TestAddAlias(t *testing.T) {
	r := New([]string{"key-a"})
	r.AddAlias("terminal-token", UserID("key-a"))

	owner, err := r.Authenticate("terminal-token")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if owner != UserID("key-a") {
		t.Errorf("alias owner = %q, want primary key identity", owner)
	}
}

func TestUserIDIsStableAndOpaque(t *testing.T) {
	id := UserID("secret-key")
	if id != UserID("secret-key") {
		t.Error("UserID must be deterministic")
	}
	if id == "secret-key" || len(id) != len("u-")+12 {
		t.Errorf("UserID %q must not echo the key", id)
	}
}

func TestEmptyKeysIgnored(t *testing.T) {
	r := New([]string{"", "key-a"})
	if len(r.Users()) != 1 {
		t.Errorf("Users() = %v, empty keys must be dropped", r.Users())
	}
}
