// Package router implements the Router & FX Decision Core from spec.md
// §4.10: deterministic candidate scoring across four named policies, a
// lexicographic tie-break, and a signed RouterDecision receipt. No teacher
// file implements a routing/scoring decision core, so this package is built
// directly from spec.md's ordered algorithm; it uses internal/canon's
// canonical SHA-256 (full lowercase hex, no prefix) for decision_sha256
// and internal/credit.Signer/Verify for optional
// signing and verifier-strict-mode enforcement.
package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"

	"github.com/ocx/khala/internal/apierr"
	"github.com/ocx/khala/internal/canon"
	"github.com/ocx/khala/internal/config"
	"github.com/ocx/khala/internal/credit"
)

// Policy names, per §4.10.
const (
	PolicyLowestTotalCost  = "lowest_total_cost_v1"
	PolicyReliabilityFirst = "reliability_first_v1"
	PolicyBalanced         = "balanced_v1"
	PolicyReputationFirst  = "reputation_first_v0"
)

// Candidate is one routing option under consideration, per §4.10's input
// shape.
type Candidate struct {
	MarketplaceID    string         `json:"marketplace_id"`
	ProviderID       string         `json:"provider_id"`
	Currency         string         `json:"currency"`
	TotalPriceMsats  int64          `json:"total_price_msats"`
	LatencyMs        int64          `json:"latency_ms,omitempty"`
	ReliabilityBps   int            `json:"reliability_bps,omitempty"`
	Constraints      map[string]any `json:"constraints,omitempty"`
	QuoteID          string         `json:"quote_id,omitempty"`
	QuoteSHA256      string         `json:"quote_sha256,omitempty"`
}

// ErrConstraintsNotObject is returned by Candidate.UnmarshalJSON when a
// candidate's constraints field is present but not a JSON object, per §4.10
// step 1 and the §7 error table's constraints_not_object reason code.
var ErrConstraintsNotObject = errors.New("router: constraints is not an object")

// candidateAlias lets UnmarshalJSON decode every Candidate field with the
// default behavior except constraints, which it re-checks below; the field
// named here shadows the embedded alias's same-tagged field.
type candidateAlias Candidate

// UnmarshalJSON decodes a Candidate, rejecting a non-object constraints
// value with ErrConstraintsNotObject instead of a generic decode error.
func (c *Candidate) UnmarshalJSON(data []byte) error {
	var raw struct {
		candidateAlias
		Constraints json.RawMessage `json:"constraints,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Candidate(raw.candidateAlias)

	trimmed := bytes.TrimSpace(raw.Constraints)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil
	}
	if trimmed[0] != '{' {
		return ErrConstraintsNotObject
	}
	var m map[string]any
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return err
	}
	c.Constraints = m
	return nil
}

// DecisionRequest bundles a candidate bag with the policy, idempotency
// inputs, and the (pool, scope_type) breaker-filter context, per §4.9's
// "Router candidate filter" note.
type DecisionRequest struct {
	Pool            string      `json:"pool"`
	ScopeType       string      `json:"scope_type"`
	Policy          string      `json:"policy"`
	Candidates      []Candidate `json:"candidates"`
	IdempotencyKey  string      `json:"idempotency_key,omitempty"`
	DecidedAtUnix   int64       `json:"decided_at_unix"`
}

// Decision is the RouterDecision receipt from §4.10 step 4.
type Decision struct {
	Selected       *Candidate `json:"selected"`
	PolicyNotes    []string   `json:"policy_notes,omitempty"`
	DecisionSHA256 string     `json:"decision_sha256"`
	Scheme         string     `json:"scheme,omitempty"`
	SignatureHex   string     `json:"signature_hex,omitempty"`
}

// BreakerChecker reports whether a (pool, scope_type) breaker is halted.
// Satisfied by *credit.Store.
type BreakerChecker interface {
	BreakerHalted(pool, scopeType string) bool
}

// Router scores candidate bags into deterministic RouterDecisions.
type Router struct {
	cfg      config.RouterConfig
	breakers BreakerChecker
	signer   *credit.Signer
}

// New builds a Router. breakers and signer may both be nil — an unsigned
// Router simply skips step 4's optional signature.
func New(cfg config.RouterConfig, breakers BreakerChecker, signer *credit.Signer) *Router {
	return &Router{cfg: cfg, breakers: breakers, signer: signer}
}

// Decide runs the §4.10 algorithm: reject, score, tie-break, emit receipt.
func (r *Router) Decide(req DecisionRequest) (*Decision, *apierr.Error) {
	policy := req.Policy
	if policy == "" {
		policy = r.cfg.DefaultPolicy
	}

	notes := []string{}
	breakerHalted := r.breakers != nil && r.breakers.BreakerHalted(req.Pool, req.ScopeType)

	candidates := make([]Candidate, 0, len(req.Candidates))
	for _, c := range req.Candidates {
		if c.Currency != "" && c.Currency != "msats" {
			continue
		}
		if c.QuoteID != "" && c.QuoteSHA256 != "" {
			recomputed, herr := candidateQuoteHash(c)
			if herr != nil || recomputed != c.QuoteSHA256 {
				return nil, apierr.BadRequest("invalid_request", map[string]any{"detail": "quote_sha256 mismatch", "quote_id": c.QuoteID})
			}
		}
		if breakerHalted {
			if rk, _ := c.Constraints["routeKind"].(string); rk == "cep_envelope" {
				continue
			}
		}
		candidates = append(candidates, c)
	}
	if breakerHalted {
		notes = append(notes, "cep_candidate_filtered_by_breaker")
	}

	if len(candidates) == 0 {
		return nil, apierr.BadRequest("invalid_request", map[string]any{"detail": "no eligible candidates"})
	}

	scored := scoreCandidates(policy, candidates)
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score < scored[j].score
		}
		return tieBreakLess(scored[i].c, scored[j].c)
	})
	selected := scored[0].c

	body := map[string]any{
		"policy":           policy,
		"selected":         selected,
		"idempotency_key":  req.IdempotencyKey,
		"decided_at_unix":  req.DecidedAtUnix,
	}
	digest, err := canon.SHA256Hex(body)
	if err != nil {
		return nil, apierr.Internal("decision_hash_failed")
	}

	decision := &Decision{
		Selected:       &selected,
		PolicyNotes:    notes,
		DecisionSHA256: digest,
	}

	if r.signer != nil {
		if _, sigHex, serr := r.signer.Sign(body); serr == nil && sigHex != "" {
			decision.Scheme = "secp256k1_schnorr_no_aux_rand"
			decision.SignatureHex = sigHex
		}
	}

	if r.cfg.VerifierStrict && decision.SignatureHex == "" {
		return nil, apierr.Internal("verifier_rejected")
	}

	return decision, nil
}

// VerifyAgainstAllowlist enforces §4.10's verifier-strict-mode check: the
// signer public key used for a decision must appear in allowedPubkeys.
func VerifyAgainstAllowlist(decision *Decision, signerPubKeyHex string, allowedPubkeys []string) *apierr.Error {
	if decision.SignatureHex == "" {
		return apierr.Internal("verifier_rejected")
	}
	allowed := false
	for _, pk := range allowedPubkeys {
		if pk == signerPubKeyHex {
			allowed = true
			break
		}
	}
	if !allowed {
		return apierr.Internal("verifier_rejected")
	}
	if !credit.Verify(signerPubKeyHex, decision.DecisionSHA256, decision.SignatureHex) {
		return apierr.Internal("verifier_rejected")
	}
	return nil
}

type scoredCandidate struct {
	c     Candidate
	score float64
}

func scoreCandidates(policy string, candidates []Candidate) []scoredCandidate {
	out := make([]scoredCandidate, len(candidates))

	var maxPrice, maxLatency float64
	for _, c := range candidates {
		if f := float64(c.TotalPriceMsats); f > maxPrice {
			maxPrice = f
		}
		if f := float64(c.LatencyMs); f > maxLatency {
			maxLatency = f
		}
	}

	for i, c := range candidates {
		var score float64
		switch policy {
		case PolicyReliabilityFirst, PolicyReputationFirst:
			score = float64(10_000-c.ReliabilityBps)*1e12 + float64(c.TotalPriceMsats)
		case PolicyBalanced:
			normPrice := ratio(float64(c.TotalPriceMsats), maxPrice)
			normLatency := ratio(float64(c.LatencyMs), maxLatency)
			normUnreliability := float64(10_000-c.ReliabilityBps) / 10_000
			score = 0.5*normPrice + 0.3*normLatency + 0.2*normUnreliability
		default: // PolicyLowestTotalCost and any unrecognized policy
			score = float64(c.TotalPriceMsats)
		}
		out[i] = scoredCandidate{c: c, score: score}
	}
	return out
}

func ratio(v, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return v / max
}

// candidateQuoteHash recomputes the canonical hash a candidate's quote_sha256
// is expected to match, over its price-bearing fields (everything but the
// hash itself).
func candidateQuoteHash(c Candidate) (string, error) {
	return canon.SHA256Hex(map[string]any{
		"marketplace_id":    c.MarketplaceID,
		"provider_id":       c.ProviderID,
		"currency":          c.Currency,
		"total_price_msats": c.TotalPriceMsats,
		"latency_ms":        c.LatencyMs,
		"reliability_bps":   c.ReliabilityBps,
		"constraints":       c.Constraints,
		"quote_id":          c.QuoteID,
	})
}

// tieBreakLess implements §4.10 step 3: lower provider_id, then lower
// quote_id, then lower marketplace_id.
func tieBreakLess(a, b Candidate) bool {
	if a.ProviderID != b.ProviderID {
		return a.ProviderID < b.ProviderID
	}
	if a.QuoteID != b.QuoteID {
		return a.QuoteID < b.QuoteID
	}
	return a.MarketplaceID < b.MarketplaceID
}
