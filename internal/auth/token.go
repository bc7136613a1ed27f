// Package auth verifies the opaque signed identity tokens clients present.
// Tokens are HS256 JWTs issued by an external service sharing our secret.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const audience = "wahub"

var (
	// ErrInvalidToken covers malformed tokens and signature mismatches.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned for structurally valid but stale tokens.
	ErrTokenExpired = errors.New("token expired")
)

// Claims is the verified identity carried by a token.
type Claims struct {
	UserID string
	Exp    int64
}

// Verifier validates bearer tokens against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the given shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// VerifyBearer strips the "Bearer " prefix and verifies the token.
func (v *Verifier) VerifyBearer(authHeader string, now time.Time) (Claims, error) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return Claims{}, fmt.Errorf("%w: missing bearer prefix", ErrInvalidToken)
	}
	return v.Verify(strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer ")), now)
}

// Verify validates a raw HS256 token and returns its claims.
func (v *Verifier) Verify(raw string, now time.Time) (Claims, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return Claims{}, fmt.Errorf("%w: not a three-part token", ErrInvalidToken)
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, fmt.Errorf("%w: bad header encoding", ErrInvalidToken)
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil || header.Alg != "HS256" {
		return Claims{}, fmt.Errorf("%w: unsupported algorithm", ErrInvalidToken)
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Claims{}, fmt.Errorf("%w: bad signature encoding", ErrInvalidToken)
	}
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return Claims{}, fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, fmt.Errorf("%w: bad payload encoding", ErrInvalidToken)
	}
	var payload struct {
		UserID string `json:"user_id"`
		Aud    string `json:"aud"`
		Exp    int64  `json:"exp"`
	}
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return Claims{}, fmt.Errorf("%w: bad payload", ErrInvalidToken)
	}
	if payload.UserID == "" {
		return Claims{}, fmt.Errorf("%w: missing user_id claim", ErrInvalidToken)
	}
	if payload.Aud != audience {
		return Claims{}, fmt.Errorf("%w: wrong audience", ErrInvalidToken)
	}
	if payload.Exp != 0 && now.Unix() >= payload.Exp {
		return Claims{}, ErrTokenExpired
	}

	return Claims{UserID: payload.UserID, Exp: payload.Exp}, nil
}

// Sign mints a token for the given user. The external issuer does this in
// production; the daemon uses it only in tests and tooling.
func Sign(secret, userID string, exp time.Time) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	body, _ := json.Marshal(map[string]any{
		"user_id": userID,
		"aud":     audience,
		"exp":     exp.Unix(),
	})
	payload := base64.RawURLEncoding.EncodeToString(body)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(header + "." + payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return header + "." + payload + "." + sig
}
