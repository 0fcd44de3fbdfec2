package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ocx/khala/internal/apierr"
	"github.com/ocx/khala/internal/catalog"
)

func (s *Server) handleRegisterProvider(w http.ResponseWriter, r *http.Request) {
	var req catalog.Provider
	if aerr := decodeJSON(r, &req); aerr != nil {
		writeError(w, aerr)
		return
	}
	p, aerr := s.catalog.Register(req)
	if aerr != nil {
		writeError(w, aerr)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type quarantineRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleQuarantineProvider(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["provider_id"]
	var req quarantineRequest
	if aerr := decodeJSON(r, &req); aerr != nil {
		writeError(w, aerr)
		return
	}
	p, aerr := s.catalog.Quarantine(providerID, req.Reason)
	if aerr != nil {
		writeError(w, aerr)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type recoverRequest struct {
	StakeSats int64 `json:"stake_sats"`
}

func (s *Server) handleRecoverProvider(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["provider_id"]
	var req recoverRequest
	if aerr := decodeJSON(r, &req); aerr != nil {
		writeError(w, aerr)
		return
	}
	if req.StakeSats <= 0 {
		writeError(w, apierr.BadRequest("invalid_request", map[string]any{"detail": "stake_sats required"}))
		return
	}
	p, aerr := s.catalog.Recover(providerID, req.StakeSats)
	if aerr != nil {
		writeError(w, aerr)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
