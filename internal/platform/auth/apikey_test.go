package auth

import (
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestAPIKeyChecker(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	c := NewAPIKeyChecker(string(hash))

	if err := c.Check("Bearer s3cret"); err != nil {
		t.Fatalf("expected key accepted, got %v", err)
	}
	if err := c.Check("Bearer nope"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if err := c.Check(""); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
}

func TestAPIKeyChecker_DisabledAcceptsAll(t *testing.T) {
	c := NewAPIKeyChecker("  ")
	if c.Enabled() {
		t.Fatal("expected checker disabled")
	}
	if err := c.Check(""); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	if got := BearerToken("Bearer abc"); got != "abc" {
		t.Fatalf("unexpected token: %q", got)
	}
	if got := BearerToken("Basic abc"); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}
}
