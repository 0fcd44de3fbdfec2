package api

import (
	"net/http"

	"github.com/ocx/khala/internal/credit"
	"github.com/ocx/khala/internal/ledgerbridge"
)

func (s *Server) handleRegisterIntent(w http.ResponseWriter, r *http.Request) {
	var req credit.Intent
	if aerr := decodeJSON(r, &req); aerr != nil {
		writeError(w, aerr)
		return
	}
	intent, aerr := s.credit.RegisterIntent(req)
	if aerr != nil {
		writeError(w, aerr)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleRegisterOffer(w http.ResponseWriter, r *http.Request) {
	var req credit.Offer
	if aerr := decodeJSON(r, &req); aerr != nil {
		writeError(w, aerr)
		return
	}
	offer, aerr := s.credit.RegisterOffer(req)
	if aerr != nil {
		writeError(w, aerr)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

type claimEnvelopeRequest struct {
	OfferID    string `json:"offer_id"`
	ProviderID string `json:"provider_id"`
}

func (s *Server) handleClaimEnvelope(w http.ResponseWriter, r *http.Request) {
	var req claimEnvelopeRequest
	if aerr := decodeJSON(r, &req); aerr != nil {
		writeError(w, aerr)
		return
	}
	env, aerr := s.credit.ClaimEnvelope(req.OfferID, req.ProviderID)
	if aerr != nil {
		writeError(w, aerr)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req credit.SettleRequest
	if aerr := decodeJSON(r, &req); aerr != nil {
		writeError(w, aerr)
		return
	}
	resp, aerr := s.credit.Settle(r.Context(), req)
	if aerr != nil {
		writeError(w, aerr)
		return
	}

	if s.bridge != nil {
		s.bridge.Forward(bridgeEntryFromSettle(resp))
	}
	writeJSON(w, http.StatusOK, resp)
}

func bridgeEntryFromSettle(resp *credit.SettleResponse) ledgerbridge.ReceiptEntry {
	entry := ledgerbridge.ReceiptEntry{
		EnvelopeID: resp.EnvelopeID,
		Kind:       "receipt",
		Status:     resp.SettlementStatus,
		ReasonCode: resp.ReasonCode,
	}
	if resp.Receipt != nil {
		entry.PayloadSHA = resp.Receipt.CanonicalJSONSHA
	}
	return entry
}
