package api

import (
	"net/http"
	"time"

	"github.com/ocx/khala/internal/apierr"
	"github.com/ocx/khala/internal/auth"
)

type mintBootstrapTokenRequest struct {
	AdminKey      string   `json:"admin_key"`
	DeviceID      string   `json:"device_id,omitempty"`
	ClientSurface string   `json:"client_surface"`
	Scopes        []string `json:"scopes"`
	TTLSeconds    int64    `json:"ttl_seconds,omitempty"`
}

// handleMintBootstrapToken exchanges a bcrypt-backed administrative key for
// a signed principal token, so a first-run operator or local tool can reach
// the topic/credit surface without depending on the external identity
// provider spec.md assumes issues tokens in production.
func (s *Server) handleMintBootstrapToken(w http.ResponseWriter, r *http.Request) {
	var req mintBootstrapTokenRequest
	if aerr := decodeJSON(r, &req); aerr != nil {
		writeError(w, aerr)
		return
	}

	if s.adminKeys == nil {
		writeError(w, apierr.BadRequest("admin_bootstrap_disabled", nil))
		return
	}

	subject, ok := s.adminKeys.Verify(req.AdminKey)
	if !ok {
		writeError(w, apierr.BadRequest("invalid_admin_key", nil))
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()

	claims := &auth.Claims{
		Issuer:        s.cfg.Auth.Issuer,
		Audience:      s.cfg.Auth.Audience,
		Subject:       subject,
		IssuedAt:      now.Unix(),
		NotBefore:     now.Unix(),
		ExpiresAt:     now.Add(ttl).Unix(),
		UserID:        subject,
		DeviceID:      req.DeviceID,
		ClientSurface: req.ClientSurface,
		Scopes:        req.Scopes,
	}

	token, err := auth.Encode(claims, s.cfg.Auth.SigningKey)
	if err != nil {
		writeError(w, apierr.Internal("token_encode_failed"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": claims.ExpiresAt,
	})
}
