package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ocx/khala/internal/apierr"
	"github.com/ocx/khala/internal/ledgerbridge"
	"github.com/ocx/khala/internal/router"
)

func (s *Server) handleRouterDecide(w http.ResponseWriter, r *http.Request) {
	var req router.DecisionRequest
	if aerr := decodeDecisionRequest(r, &req); aerr != nil {
		writeError(w, aerr)
		return
	}
	decision, aerr := s.router.Decide(req)
	if aerr != nil {
		writeError(w, aerr)
		return
	}

	if s.bridge != nil && decision.Selected != nil {
		s.bridge.Forward(bridgeEntryFromDecision(req, decision))
	}
	writeJSON(w, http.StatusOK, decision)
}

// decodeDecisionRequest decodes a router decision request, surfacing a
// candidate's non-object constraints field as the dedicated
// constraints_not_object reason code instead of a generic invalid_request.
func decodeDecisionRequest(r *http.Request, req *router.DecisionRequest) *apierr.Error {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		if errors.Is(err, router.ErrConstraintsNotObject) {
			return apierr.BadRequest("constraints_not_object", nil)
		}
		return apierr.BadRequest("invalid_request", map[string]any{"detail": err.Error()})
	}
	return nil
}

func bridgeEntryFromDecision(req router.DecisionRequest, decision *router.Decision) ledgerbridge.ReceiptEntry {
	entry := ledgerbridge.ReceiptEntry{
		Kind:       "router_decision",
		Status:     "selected",
		PayloadSHA: decision.DecisionSHA256,
	}
	if decision.Selected != nil {
		entry.EnvelopeID = decision.Selected.ProviderID
	}
	return entry
}
