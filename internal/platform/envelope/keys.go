package envelope

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoKey = errors.New("no signing key configured")

// LoadPrivateKey reads a PEM private key from path, falling back to inline
// PEM text. Inline values may carry literal "\n" sequences from env files.
func LoadPrivateKey(path, inline string) (*rsa.PrivateKey, error) {
	pem, err := readPEM(path, inline)
	if err != nil {
		return nil, err
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// LoadPublicKey mirrors LoadPrivateKey for the verifying side.
func LoadPublicKey(path, inline string) (*rsa.PublicKey, error) {
	pem, err := readPEM(path, inline)
	if err != nil {
		return nil, err
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return key, nil
}

func readPEM(path, inline string) ([]byte, error) {
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data, nil
		}
		if strings.TrimSpace(inline) == "" {
			return nil, fmt.Errorf("%w: read %s: %v", ErrNoKey, path, err)
		}
	}
	if strings.TrimSpace(inline) == "" {
		return nil, ErrNoKey
	}
	return []byte(strings.ReplaceAll(inline, `\n`, "\n")), nil
}
