package auth

import (
	"github.com/ocx/khala/internal/apierr"
	"github.com/ocx/khala/internal/clock"
	"github.com/ocx/khala/internal/config"
)

// OwnerLookup resolves the recorded owner of a worker/fleet topic, for the
// owner-binding check in §4.6 step 7. internal/eventlog.Log satisfies this
// via its per-stream Owner field.
type OwnerLookup interface {
	OwnerOf(topic string) (string, bool)
}

// Gate evaluates the full §4.6/§4.7 authorization matrix. One Gate is
// shared process-wide; its only mutable state is the revoked-jti set,
// built from config once in New and extended afterwards only by Revoke.
type Gate struct {
	cfg    *config.Config
	clock  clock.Clock
	owners OwnerLookup
	revoked map[string]bool
}

// New builds a Gate from the process config. owners may be nil; owner
// binding is then a no-op and every worker/fleet topic is allowed through
// (used by callers, like this package's own unit tests, that never
// construct a worker registry).
func New(cfg *config.Config, c clock.Clock, owners OwnerLookup) *Gate {
	revoked := make(map[string]bool, len(cfg.Auth.RevokedJTIs))
	for _, jti := range cfg.Auth.RevokedJTIs {
		revoked[jti] = true
	}
	return &Gate{cfg: cfg, clock: c, owners: owners, revoked: revoked}
}

// Revoke adds a jti to the in-memory revocation set. Persistence of the
// revoked set across restarts is out of scope — on restart it reloads from
// sync_revoked_jtis the same way config does for any other field.
func (g *Gate) Revoke(jti string) {
	g.revoked[jti] = true
}

// Authorize runs the full ordered evaluation from §4.6 followed by the
// origin check from §4.7, and returns the parsed claims on success. token
// is the raw bearer token value (without "Bearer " prefix); origin is the
// request's Origin header value, empty if absent.
func (g *Gate) Authorize(token, topic, origin string) (*Claims, *apierr.Error) {
	if token == "" {
		return nil, apierr.MissingAuthorization()
	}

	claims, ok := decode(token, g.cfg.Auth.SigningKey)
	if !ok {
		return nil, apierr.TokenMalformed("signature_verification_failed")
	}

	now := g.clock.Now().Unix()

	// Step 2: expiry.
	if claims.ExpiresAt <= now {
		return nil, apierr.TokenExpired()
	}

	// Step 3: revocation.
	if claims.JTI != "" && g.revoked[claims.JTI] {
		return nil, apierr.TokenRevoked()
	}

	// Step 4: require_jti.
	if g.cfg.Auth.RequireJTI && claims.JTI == "" {
		return nil, apierr.TokenMalformed("missing_jti")
	}

	// Step 5: scope mapping.
	scopes := requiredScopes(topic)
	if !claims.HasAnyScope(scopes) {
		return nil, apierr.ForbiddenTopic("missing_scope")
	}

	// Step 6: surface policy — onyx restricted to run:*:events.
	if claims.ClientSurface == "onyx" && !isRunTopic(topic) {
		return nil, apierr.ForbiddenTopic("surface_policy_denied")
	}

	// Step 7: owner binding for worker/fleet topics.
	if isOwnerScopedTopic(topic) && g.owners != nil {
		if owner, known := g.owners.OwnerOf(topic); known && owner != "" && owner != claims.UserID {
			return nil, apierr.ForbiddenTopic("owner_mismatch")
		}
	}

	// §4.7 origin policy.
	if g.cfg.Server.EnforceOrigin && origin != "" {
		allowed := false
		for _, o := range g.cfg.Server.AllowedOrigins {
			if o == origin {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, apierr.ForbiddenOrigin()
		}
	}

	return claims, nil
}
