// Package auth implements the token verification, scope/surface/owner
// authorization matrix, and origin policy described in spec.md §4.6/§4.7.
// Token parsing and signature verification are grounded on
// internal/security/token_broker.go's compact HMAC-signed token shape
// (base64(claims) + "." + base64(signature)); the authorization matrix
// itself has no teacher analogue and is built directly from §4.6.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
)

// Claims mirrors the token fields named in §4.6: standard registered claims
// plus the oa_* custom claims the runtime's own auth surface adds.
type Claims struct {
	Issuer        string   `json:"iss"`
	Audience      string   `json:"aud"`
	Subject       string   `json:"sub"`
	ExpiresAt     int64    `json:"exp"`
	NotBefore     int64    `json:"nbf"`
	IssuedAt      int64    `json:"iat"`
	JTI           string   `json:"jti"`
	UserID        string   `json:"oa_user_id"`
	OrgID         string   `json:"oa_org_id,omitempty"`
	DeviceID      string   `json:"oa_device_id,omitempty"`
	ClientSurface string   `json:"oa_client_surface"`
	Scopes        []string `json:"oa_sync_scopes"`
}

// HasScope reports whether the claims carry the given scope verbatim.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// HasAnyScope reports whether the claims carry at least one of the given
// scopes. A topic may be authorized by any scope in an OR-set (§4.6 step 5
// maps worker:*:lifecycle to either runtime.worker_lifecycle_events or
// runtime.codex_worker_events).
func (c *Claims) HasAnyScope(scopes []string) bool {
	for _, scope := range scopes {
		if c.HasScope(scope) {
			return true
		}
	}
	return false
}

// sign computes the HMAC-SHA256 signature of raw claims JSON under key,
// the same construction token_broker.go uses for its compact tokens.
func sign(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// Encode issues a signed compact token for the given claims. Production
// tokens are minted by an external OA identity surface; this exists so the
// runtime's own tests and local tooling can construct valid tokens without
// depending on that surface.
func Encode(c *Claims, signingKey string) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	sig := sign([]byte(signingKey), raw)
	return base64.RawURLEncoding.EncodeToString(raw) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// decode splits and verifies a compact token's signature, returning the
// parsed claims without checking expiry, revocation, or nbf — callers use
// Gate.Authorize for the full evaluation order from §4.6.
func decode(token, signingKey string) (*Claims, bool) {
	idx := strings.LastIndexByte(token, '.')
	if idx < 0 {
		return nil, false
	}
	rawPart, sigPart := token[:idx], token[idx+1:]

	raw, err := base64.RawURLEncoding.DecodeString(rawPart)
	if err != nil {
		return nil, false
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil {
		return nil, false
	}

	expected := sign([]byte(signingKey), raw)
	if !hmac.Equal(sig, expected) {
		return nil, false
	}

	var c Claims
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, false
	}
	return &c, true
}
