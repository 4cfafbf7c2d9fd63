package envelope

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/todo-1m/taskbridge/internal/contracts"
)

var (
	ErrMalformed = errors.New("malformed envelope")
	ErrSignature = errors.New("envelope signature verification failed")
	ErrPayload   = errors.New("invalid envelope payload")
	ErrExpired   = errors.New("envelope expired")
)

// DefaultTTL bounds how long a signed command stays executable.
const DefaultTTL = 60 * time.Second

// Envelope is a command as carried inside a signed token. IssuedAt and
// ExpiresAt are unix seconds.
type Envelope struct {
	ID        string          `json:"id"`
	Kind      contracts.Kind  `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	IssuedAt  int64           `json:"iat"`
	ExpiresAt int64           `json:"exp"`
}

type claims struct {
	CommandID string          `json:"id"`
	Kind      contracts.Kind  `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	jwt.RegisteredClaims
}

type Signer struct {
	Key *rsa.PrivateKey
	TTL time.Duration
	Now func() time.Time
}

func NewSigner(key *rsa.PrivateKey, ttl time.Duration) Signer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return Signer{
		Key: key,
		TTL: ttl,
		Now: func() time.Time { return time.Now().UTC() },
	}
}

// Sign stamps iat/exp onto env and returns the RS256 token with the stamped
// envelope.
func (s Signer) Sign(env Envelope) (string, Envelope, error) {
	if s.Key == nil {
		return "", Envelope{}, errors.New("envelope signer has no private key")
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		env.Payload = json.RawMessage(`{}`)
	}
	issued := s.Now().Truncate(time.Second)
	expires := issued.Add(s.TTL)
	env.IssuedAt = issued.Unix()
	env.ExpiresAt = expires.Unix()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims{
		CommandID: env.ID,
		Kind:      env.Kind,
		Payload:   env.Payload,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := token.SignedString(s.Key)
	if err != nil {
		return "", Envelope{}, err
	}
	return signed, env, nil
}

type Verifier struct {
	Key *rsa.PublicKey
	Now func() time.Time
}

func NewVerifier(key *rsa.PublicKey) Verifier {
	return Verifier{
		Key: key,
		Now: func() time.Time { return time.Now().UTC() },
	}
}

// Verify checks structure, then signature, then payload, then expiry. No
// claim is read before the signature over header.payload is confirmed.
func (v Verifier) Verify(token string) (Envelope, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Envelope{}, ErrMalformed
	}
	if v.Key == nil {
		return Envelope{}, ErrSignature
	}

	parser := jwt.NewParser()
	sig, err := parser.DecodeSegment(parts[2])
	if err != nil {
		return Envelope{}, ErrSignature
	}
	if err := jwt.SigningMethodRS256.Verify(parts[0]+"."+parts[1], sig, v.Key); err != nil {
		return Envelope{}, ErrSignature
	}

	raw, err := parser.DecodeSegment(parts[1])
	if err != nil {
		return Envelope{}, ErrPayload
	}
	var c claims
	if err := json.Unmarshal(raw, &c); err != nil {
		return Envelope{}, ErrPayload
	}
	if strings.TrimSpace(c.CommandID) == "" || c.Kind == "" || c.ExpiresAt == nil {
		return Envelope{}, ErrPayload
	}

	env := Envelope{
		ID:        c.CommandID,
		Kind:      c.Kind,
		Payload:   c.Payload,
		ExpiresAt: c.ExpiresAt.Unix(),
	}
	if c.IssuedAt != nil {
		env.IssuedAt = c.IssuedAt.Unix()
	}

	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	if now().Unix() > env.ExpiresAt {
		return Envelope{}, ErrExpired
	}
	return env, nil
}
