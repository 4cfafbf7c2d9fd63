// Package envelopetest provides a shared RSA key pair for tests.
package envelopetest

import (
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"
)

var (
	once sync.Once
	key  *rsa.PrivateKey
	err  error
)

// Key returns a process-wide 2048-bit test key, generated on first use.
func Key(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	once.Do(func() {
		key, err = rsa.GenerateKey(rand.Reader, 2048)
	})
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return key
}
