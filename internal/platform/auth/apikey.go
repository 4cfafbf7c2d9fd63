package auth

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingKey = errors.New("missing bearer token")
	ErrInvalidKey = errors.New("invalid api key")
)

// APIKeyChecker verifies bearer keys against a bcrypt hash. A checker with
// no hash accepts every request.
type APIKeyChecker struct {
	Hash []byte
}

func NewAPIKeyChecker(hash string) APIKeyChecker {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return APIKeyChecker{}
	}
	return APIKeyChecker{Hash: []byte(hash)}
}

func (c APIKeyChecker) Enabled() bool { return len(c.Hash) > 0 }

func (c APIKeyChecker) Check(authHeader string) error {
	if !c.Enabled() {
		return nil
	}
	key := BearerToken(authHeader)
	if key == "" {
		return ErrMissingKey
	}
	if err := bcrypt.CompareHashAndPassword(c.Hash, []byte(key)); err != nil {
		return ErrInvalidKey
	}
	return nil
}

func BearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
