// Package credit implements the Credit Settlement Core from spec.md §4.9:
// Intent/Offer/Envelope registration and the deterministic, idempotent
// Settle protocol, backed by per-(pool, scope_type) circuit breakers and an
// external wallet-executor collaborator. Grounded on spec.md §4.9 directly
// (no teacher file implements a settlement protocol); the content-addressed
// ID scheme follows internal/ledger/merkle.go's "prefix + hex(sha256(...))"
// idiom and the breaker model adapts internal/circuitbreaker/breaker.go.
package credit

import (
	"context"
	"sync"

	"github.com/ocx/khala/internal/apierr"
	"github.com/ocx/khala/internal/clock"
	"github.com/ocx/khala/internal/config"
	"github.com/ocx/khala/internal/eventlog"
	"github.com/ocx/khala/internal/metrics"
)

// Intent is a pre-authorization for spend against a scope, per §4.9.
type Intent struct {
	ID             string         `json:"intent_id"`
	AgentID        string         `json:"agent_id"`
	ScopeType      string         `json:"scope_type"`
	ScopeID        string         `json:"scope_id"`
	MaxSats        int64          `json:"max_sats"`
	Exp            int64          `json:"exp"`
	PolicyContext  map[string]any `json:"policy_context,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// Offer is a provider-facing price/terms quote, optionally scoped to an
// Intent.
type Offer struct {
	ID               string `json:"offer_id"`
	AgentID          string `json:"agent_id"`
	PoolID           string `json:"pool_id"`
	Scope            string `json:"scope"`
	MaxSats          int64  `json:"max_sats"`
	FeeBps           int    `json:"fee_bps"`
	RequiresVerifier bool   `json:"requires_verifier"`
	Exp              int64  `json:"exp"`
	IntentID         string `json:"intent_id,omitempty"`
}

// Envelope claims a single-use right to settle against an Offer.
type Envelope struct {
	ID         string `json:"envelope_id"`
	OfferID    string `json:"offer_id"`
	ProviderID string `json:"provider_id"`
}

// SettleRequest is the body of a settle call, per §4.9.
type SettleRequest struct {
	EnvelopeID                string         `json:"envelope_id"`
	VerificationPassed        bool           `json:"verification_passed"`
	VerificationReceiptSHA256 string         `json:"verification_receipt_sha256,omitempty"`
	ProviderInvoice           string         `json:"provider_invoice"`
	ProviderHost              string         `json:"provider_host"`
	MaxFeeMsats               int64          `json:"max_fee_msats"`
	PolicyContext             map[string]any `json:"policy_context,omitempty"`
}

// SettleResponse is the deterministic, cacheable settle response.
type SettleResponse struct {
	EnvelopeID       string   `json:"envelope_id"`
	SettlementStatus string   `json:"settlement_status"`
	ReasonCode       string   `json:"reason_code,omitempty"`
	RequestID        string   `json:"request_id,omitempty"`
	FeeMsats         int64    `json:"fee_msats,omitempty"`
	Receipt          *Receipt `json:"receipt"`
}

// QuarantineChecker reports whether a provider is currently quarantined.
// Satisfied by *catalog.Catalog; kept as a narrow interface here so credit
// has no import-time dependency on the catalog package's full surface.
type QuarantineChecker interface {
	IsQuarantined(providerID string) bool
}

// Store is the process-wide settlement registry: intents, offers,
// envelopes, the idempotent settlement cache, and the breaker bank.
type Store struct {
	mu sync.Mutex

	intentsByID      map[string]*Intent
	intentsByIdemKey map[string]*Intent
	offers           map[string]*Offer
	envelopes        map[string]*Envelope
	envelopeConsumed map[string]bool // offer_id -> claimed
	settled          map[string]*SettleResponse
	outstanding      map[string]int // agent_id -> outstanding envelope count

	breakers *Breakers
	wallet   WalletExecutor
	signer   *Signer
	log      *eventlog.Log
	clock    clock.Clock
	cfg      config.CreditConfig
	mets     *metrics.Metrics
	catalog  QuarantineChecker
}

// SetMetrics attaches a Prometheus metrics instance. Optional — a Store
// with no metrics attached simply skips recording.
func (s *Store) SetMetrics(m *metrics.Metrics) {
	s.mets = m
}

// SetCatalog attaches the provider catalog so ClaimEnvelope can reject new
// claims by a quarantined provider. Optional — a Store with no catalog
// attached skips the quarantine check.
func (s *Store) SetCatalog(c QuarantineChecker) {
	s.catalog = c
}

// New builds an empty Store.
func New(cfg config.CreditConfig, l *eventlog.Log, c clock.Clock, wallet WalletExecutor, signer *Signer) *Store {
	return &Store{
		intentsByID:      make(map[string]*Intent),
		intentsByIdemKey: make(map[string]*Intent),
		offers:           make(map[string]*Offer),
		envelopes:        make(map[string]*Envelope),
		envelopeConsumed: make(map[string]bool),
		settled:          make(map[string]*SettleResponse),
		outstanding:      make(map[string]int),
		breakers:         newBreakers(cfg.CircuitBreakerMinSample, cfg.LossRateHaltThreshold, cfg.LNFailureRateHaltThreshold),
		wallet:           wallet,
		signer:           signer,
		log:              l,
		clock:            c,
		cfg:              cfg,
	}
}

// BreakerHalted reports whether the (pool, scope_type) breaker is halted,
// for internal/router's candidate filter.
func (s *Store) BreakerHalted(pool, scopeType string) bool {
	return s.breakers.IsHalted(pool, scopeType)
}

// RegisterIntent registers a new Intent or returns the existing one on an
// idempotent replay (same idempotency_key, byte-identical fields).
func (s *Store) RegisterIntent(i Intent) (*Intent, *apierr.Error) {
	id, err := intentID(&i)
	if err != nil {
		return nil, apierr.BadRequest("invalid_request", map[string]any{"detail": err.Error()})
	}
	i.ID = id

	s.mu.Lock()
	defer s.mu.Unlock()

	if i.IdempotencyKey != "" {
		if existing, ok := s.intentsByIdemKey[i.IdempotencyKey]; ok {
			if existing.ID == id {
				return existing, nil
			}
			return nil, apierr.Conflict("idempotency_drift", map[string]any{"idempotency_key": i.IdempotencyKey})
		}
	}

	stored := i
	s.intentsByID[id] = &stored
	if i.IdempotencyKey != "" {
		s.intentsByIdemKey[i.IdempotencyKey] = &stored
	}
	return &stored, nil
}

// RegisterOffer registers a new Offer. When intent_id is set, the offer
// must fit within the intent's scope cap and expiry.
func (s *Store) RegisterOffer(o Offer) (*Offer, *apierr.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.IntentID != "" {
		intent, ok := s.intentsByID[o.IntentID]
		if !ok {
			return nil, apierr.NotFound("unknown_stream")
		}
		if o.MaxSats > intent.MaxSats {
			return nil, apierr.BadRequest("invalid_request", map[string]any{"detail": "offer exceeds intent max_sats"})
		}
		if o.Exp > intent.Exp {
			return nil, apierr.BadRequest("invalid_request", map[string]any{"detail": "offer exceeds intent expiry"})
		}
	}

	id, err := offerID(&o)
	if err != nil {
		return nil, apierr.BadRequest("invalid_request", map[string]any{"detail": err.Error()})
	}
	o.ID = id

	if existing, ok := s.offers[id]; ok {
		return existing, nil
	}
	stored := o
	s.offers[id] = &stored
	return &stored, nil
}

// ClaimEnvelope claims a single-use envelope against an offer. A second
// claim on the same offer returns conflict/offer_already_consumed.
func (s *Store) ClaimEnvelope(offerID, providerID string) (*Envelope, *apierr.Error) {
	if s.catalog != nil && s.catalog.IsQuarantined(providerID) {
		return nil, apierr.ForbiddenTopic("provider_quarantined")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	offer, ok := s.offers[offerID]
	if !ok {
		return nil, apierr.NotFound("unknown_stream")
	}
	if s.envelopeConsumed[offerID] {
		return nil, apierr.Conflict("offer_already_consumed", map[string]any{"offer_id": offerID})
	}

	id, err := contentID("env_", map[string]any{"offer_id": offerID, "provider_id": providerID})
	if err != nil {
		return nil, apierr.BadRequest("invalid_request", map[string]any{"detail": err.Error()})
	}
	env := &Envelope{ID: id, OfferID: offerID, ProviderID: providerID}
	s.envelopes[env.ID] = env
	s.envelopeConsumed[offerID] = true
	return env, nil
}

// Settle runs the deterministic, idempotent settle protocol from §4.9.
func (s *Store) Settle(ctx context.Context, req SettleRequest) (*SettleResponse, *apierr.Error) {
	s.mu.Lock()
	env, ok := s.envelopes[req.EnvelopeID]
	if !ok {
		s.mu.Unlock()
		return nil, apierr.NotFound("unknown_stream")
	}

	// Step 2: idempotent replay of a prior settlement.
	if cached, ok := s.settled[req.EnvelopeID]; ok {
		s.mu.Unlock()
		return cached, nil
	}

	offer, ok := s.offers[env.OfferID]
	outstandingCount := s.outstanding[offer.AgentID]
	s.mu.Unlock()
	if !ok {
		return nil, apierr.NotFound("unknown_stream")
	}

	scopeType, _ := splitScope(offer.Scope)

	// Step 3: policy — per-agent outstanding cap, per-envelope cap, offer
	// expiry, breakers.
	if s.cfg.MaxOutstandingEnvelopesPerAgent > 0 && outstandingCount >= s.cfg.MaxOutstandingEnvelopesPerAgent {
		return s.withhold(req, env, offer, "policy_halted", nil)
	}
	if s.cfg.MaxSatsPerEnvelope > 0 && offer.MaxSats > s.cfg.MaxSatsPerEnvelope {
		return s.withhold(req, env, offer, "policy_halted", nil)
	}
	if offer.Exp > 0 && offer.Exp <= s.clock.Now().Unix() {
		return s.withhold(req, env, offer, "policy_halted", nil)
	}
	if s.breakers.IsHalted(offer.PoolID, scopeType) {
		return s.withhold(req, env, offer, "policy_halted", nil)
	}

	// Step 4: verification gate.
	if !req.VerificationPassed {
		resp, aerr := s.withhold(req, env, offer, "verification_failed", map[string]any{"kind": "PriceIntegrityFailed"})
		if aerr != nil {
			return nil, aerr
		}
		s.breakers.RecordOutcome(offer.PoolID, scopeType, true, false)
		return resp, nil
	}

	// Step 5: deterministic request_id.
	reqID, err := requestID(req.EnvelopeID, req.ProviderInvoice, req.ProviderHost, req.MaxFeeMsats)
	if err != nil {
		return nil, apierr.BadRequest("invalid_request", map[string]any{"detail": err.Error()})
	}

	// Step 6: call the wallet executor exactly once per distinct request_id.
	payResult, payErr := s.wallet.Pay(ctx, PayRequest{
		RequestID:       reqID,
		ProviderInvoice: req.ProviderInvoice,
		ProviderHost:    req.ProviderHost,
		MaxFeeMsats:     req.MaxFeeMsats,
	})
	if payErr != nil {
		if s.mets != nil {
			s.mets.WalletExecutorCalls.WithLabelValues("error").Inc()
		}
		return nil, apierr.DependencyUnavailable("wallet_executor_unreachable")
	}
	if s.mets != nil {
		s.mets.WalletExecutorCalls.WithLabelValues("success").Inc()
	}

	s.breakers.RecordOutcome(offer.PoolID, scopeType, false, payResult.LNFailure)

	// Step 7: settlement + receipt, signed, appended to the owning run.
	digest, sigHex, err := s.signer.Sign(map[string]any{
		"envelope_id": req.EnvelopeID,
		"request_id":  reqID,
		"fee_msats":   payResult.FeeMsats,
	})
	if err != nil {
		return nil, apierr.Internal("signature_failed")
	}

	receipt := &Receipt{
		Kind:             "SettlementReceipt",
		EnvelopeID:       req.EnvelopeID,
		SettlementStatus: "settled",
		CanonicalJSONSHA: digest,
		Scheme:           "secp256k1_schnorr_no_aux_rand",
		SignatureHex:     sigHex,
	}

	runKey := runStreamKey(scopeIDFromOffer(offer))
	if runKey != "" {
		_, _ = s.log.Append(runKey, "payment", map[string]any{
			"envelope_id": req.EnvelopeID, "request_id": reqID, "fee_msats": payResult.FeeMsats,
		}, eventlog.AppendOptions{Privileged: true})
		_, _ = s.log.Append(runKey, "receipt", map[string]any{
			"envelope_id": req.EnvelopeID, "receipt_sha256": digest,
		}, eventlog.AppendOptions{Privileged: true})
	}

	resp := &SettleResponse{
		EnvelopeID:       req.EnvelopeID,
		SettlementStatus: "settled",
		RequestID:        reqID,
		FeeMsats:         payResult.FeeMsats,
		Receipt:          receipt,
	}

	// Step 8: cache by envelope_id.
	s.mu.Lock()
	s.settled[req.EnvelopeID] = resp
	s.outstanding[offer.AgentID]++
	s.mu.Unlock()

	if s.mets != nil {
		s.mets.RecordSettlement("settled", 0)
	}
	return resp, nil
}

func (s *Store) withhold(req SettleRequest, env *Envelope, offer *Offer, reason string, receiptBody map[string]any) (*SettleResponse, *apierr.Error) {
	digest, _, err := s.signer.Sign(map[string]any{"envelope_id": req.EnvelopeID, "reason_code": reason})
	if err != nil {
		return nil, apierr.Internal("signature_failed")
	}
	receipt := &Receipt{
		Kind:             "PriceIntegrityFailed",
		EnvelopeID:       req.EnvelopeID,
		SettlementStatus: "withheld",
		ReasonCode:       reason,
		Body:             receiptBody,
		CanonicalJSONSHA: digest,
	}

	runKey := runStreamKey(scopeIDFromOffer(offer))
	if runKey != "" {
		_, _ = s.log.Append(runKey, "receipt", map[string]any{
			"envelope_id": req.EnvelopeID, "reason_code": reason, "receipt_sha256": digest,
		}, eventlog.AppendOptions{Privileged: true})
	}

	resp := &SettleResponse{
		EnvelopeID:       req.EnvelopeID,
		SettlementStatus: "withheld",
		ReasonCode:       reason,
		Receipt:          receipt,
	}

	s.mu.Lock()
	s.settled[req.EnvelopeID] = resp
	s.mu.Unlock()

	if s.mets != nil {
		s.mets.RecordSettlement("withheld", 0)
	}
	return resp, nil
}

// splitScope divides an offer's "scope_type:scope_id" string into its two
// parts; scope strings with no separator are treated as a bare scope_type.
func splitScope(scope string) (scopeType, scopeID string) {
	for i := len(scope) - 1; i >= 0; i-- {
		if scope[i] == ':' {
			return scope[:i], scope[i+1:]
		}
	}
	return scope, ""
}

func scopeIDFromOffer(o *Offer) string {
	_, scopeID := splitScope(o.Scope)
	return scopeID
}

// runStreamKey maps a scope_id to the owning run's stream key. Settlement
// scopes outside the run namespace (e.g. provider-pool-only scopes with no
// run component) have no owning stream to append a receipt onto.
func runStreamKey(scopeID string) string {
	if scopeID == "" {
		return ""
	}
	return "run:" + scopeID + ":events"
}
