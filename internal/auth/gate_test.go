package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/khala/internal/clock"
	"github.com/ocx/khala/internal/config"
)

type stubOwners map[string]string

func (s stubOwners) OwnerOf(topic string) (string, bool) {
	owner, ok := s[topic]
	return owner, ok
}

func testGate(t *testing.T, mutate func(*config.Config), owners OwnerLookup) (*Gate, *clock.Fake) {
	t.Helper()
	cfg := config.Defaulted()
	cfg.Auth.SigningKey = "test-signing-key"
	if mutate != nil {
		mutate(cfg)
	}
	c := clock.NewFake(time.Unix(1_700_000_000, 0))
	return New(cfg, c, owners), c
}

func mintToken(t *testing.T, key string, c *Claims) string {
	t.Helper()
	tok, err := Encode(c, key)
	require.NoError(t, err)
	return tok
}

func TestAuthorizeMissingToken(t *testing.T) {
	g, _ := testGate(t, nil, nil)
	_, err := g.Authorize("", "run:r1:events", "")
	require.NotNil(t, err)
	assert.Equal(t, "missing_authorization", err.ReasonCode)
}

func TestAuthorizeMalformedToken(t *testing.T) {
	g, _ := testGate(t, nil, nil)
	_, err := g.Authorize("not-a-real-token", "run:r1:events", "")
	require.NotNil(t, err)
	assert.Equal(t, "token_malformed", err.ReasonCode)
}

func TestAuthorizeExpiredToken(t *testing.T) {
	g, c := testGate(t, nil, nil)
	claims := &Claims{
		JTI: "jti-1", UserID: "u1", ClientSurface: "desktop",
		Scopes: []string{ScopeRunEvents}, ExpiresAt: c.Now().Unix() - 10,
	}
	tok := mintToken(t, "test-signing-key", claims)
	_, err := g.Authorize(tok, "run:r1:events", "")
	require.NotNil(t, err)
	assert.Equal(t, "token_expired", err.ReasonCode)
}

func TestAuthorizeRevokedToken(t *testing.T) {
	g, c := testGate(t, func(cfg *config.Config) {
		cfg.Auth.RevokedJTIs = []string{"jti-revoked"}
	}, nil)
	claims := &Claims{
		JTI: "jti-revoked", UserID: "u1", ClientSurface: "desktop",
		Scopes: []string{ScopeRunEvents}, ExpiresAt: c.Now().Add(time.Hour).Unix(),
	}
	tok := mintToken(t, "test-signing-key", claims)
	_, err := g.Authorize(tok, "run:r1:events", "")
	require.NotNil(t, err)
	assert.Equal(t, "token_revoked", err.ReasonCode)
}

func TestAuthorizeMissingScope(t *testing.T) {
	g, c := testGate(t, nil, nil)
	claims := &Claims{
		JTI: "jti-2", UserID: "u1", ClientSurface: "desktop",
		Scopes: []string{ScopeWorkerLifecycle}, ExpiresAt: c.Now().Add(time.Hour).Unix(),
	}
	tok := mintToken(t, "test-signing-key", claims)
	_, err := g.Authorize(tok, "run:r1:events", "")
	require.NotNil(t, err)
	assert.Equal(t, "forbidden_topic", err.Kind)
	assert.Equal(t, "missing_scope", err.ReasonCode)
}

func TestAuthorizeOnyxSurfaceRestrictedToRunTopics(t *testing.T) {
	g, c := testGate(t, nil, nil)
	claims := &Claims{
		JTI: "jti-3", UserID: "u1", ClientSurface: "onyx",
		Scopes: []string{ScopeRunEvents, ScopeWorkerLifecycle},
		ExpiresAt: c.Now().Add(time.Hour).Unix(),
	}
	tok := mintToken(t, "test-signing-key", claims)

	_, err := g.Authorize(tok, "worker:desktop:w-1", "")
	require.NotNil(t, err)
	assert.Equal(t, "surface_policy_denied", err.ReasonCode)

	_, err2 := g.Authorize(tok, "run:r1:events", "")
	require.Nil(t, err2)
}

func TestAuthorizeCodexScopeAlonePassesPlainWorkerTopic(t *testing.T) {
	owners := stubOwners{"worker:desktop:owner-worker:lifecycle": "u-11"}
	g, c := testGate(t, nil, owners)
	claims := &Claims{
		JTI: "jti-codex", UserID: "u-11", ClientSurface: "desktop",
		Scopes: []string{ScopeCodexWorker}, ExpiresAt: c.Now().Add(time.Hour).Unix(),
	}
	tok := mintToken(t, "test-signing-key", claims)

	got, err := g.Authorize(tok, "worker:desktop:owner-worker:lifecycle", "")
	require.Nil(t, err)
	assert.Equal(t, "u-11", got.UserID)
}

func TestAuthorizeOwnerMismatch(t *testing.T) {
	owners := stubOwners{"worker:desktop:w-1": "u-owner"}
	g, c := testGate(t, nil, owners)
	claims := &Claims{
		JTI: "jti-4", UserID: "u-other", ClientSurface: "desktop",
		Scopes: []string{ScopeWorkerLifecycle}, ExpiresAt: c.Now().Add(time.Hour).Unix(),
	}
	tok := mintToken(t, "test-signing-key", claims)
	_, err := g.Authorize(tok, "worker:desktop:w-1", "")
	require.NotNil(t, err)
	assert.Equal(t, "owner_mismatch", err.ReasonCode)
}

func TestAuthorizeOriginNotAllowed(t *testing.T) {
	g, c := testGate(t, func(cfg *config.Config) {
		cfg.Server.EnforceOrigin = true
		cfg.Server.AllowedOrigins = []string{"https://app.example.com"}
	}, nil)
	claims := &Claims{
		JTI: "jti-5", UserID: "u1", ClientSurface: "desktop",
		Scopes: []string{ScopeRunEvents}, ExpiresAt: c.Now().Add(time.Hour).Unix(),
	}
	tok := mintToken(t, "test-signing-key", claims)

	_, err := g.Authorize(tok, "run:r1:events", "https://evil.example.com")
	require.NotNil(t, err)
	assert.Equal(t, "forbidden_origin", err.Kind)

	_, err2 := g.Authorize(tok, "run:r1:events", "https://app.example.com")
	require.Nil(t, err2)

	_, err3 := g.Authorize(tok, "run:r1:events", "")
	require.Nil(t, err3)
}

func TestAuthorizeSuccess(t *testing.T) {
	g, c := testGate(t, nil, nil)
	claims := &Claims{
		JTI: "jti-ok", UserID: "u1", ClientSurface: "desktop",
		Scopes: []string{ScopeRunEvents}, ExpiresAt: c.Now().Add(time.Hour).Unix(),
	}
	tok := mintToken(t, "test-signing-key", claims)
	got, err := g.Authorize(tok, "run:r1:events", "")
	require.Nil(t, err)
	assert.Equal(t, "u1", got.UserID)
}
