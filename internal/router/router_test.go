package router

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/khala/internal/config"
	"github.com/ocx/khala/internal/credit"
)

type fakeBreakers struct {
	halted bool
}

func (f *fakeBreakers) BreakerHalted(pool, scopeType string) bool {
	return f.halted
}

func TestDecideLowestTotalCost(t *testing.T) {
	r := New(config.RouterConfig{DefaultPolicy: PolicyLowestTotalCost}, &fakeBreakers{}, nil)

	dec, err := r.Decide(DecisionRequest{
		Policy: PolicyLowestTotalCost,
		Candidates: []Candidate{
			{MarketplaceID: "m1", ProviderID: "p-b", Currency: "msats", TotalPriceMsats: 500},
			{MarketplaceID: "m1", ProviderID: "p-a", Currency: "msats", TotalPriceMsats: 200},
		},
	})
	require.Nil(t, err)
	assert.Equal(t, "p-a", dec.Selected.ProviderID)
}

func TestDecideTieBreaksByProviderID(t *testing.T) {
	r := New(config.RouterConfig{}, &fakeBreakers{}, nil)

	dec, err := r.Decide(DecisionRequest{
		Policy: PolicyLowestTotalCost,
		Candidates: []Candidate{
			{MarketplaceID: "m2", ProviderID: "p-zebra", Currency: "msats", TotalPriceMsats: 100},
			{MarketplaceID: "m1", ProviderID: "p-alpha", Currency: "msats", TotalPriceMsats: 100},
		},
	})
	require.Nil(t, err)
	assert.Equal(t, "p-alpha", dec.Selected.ProviderID)
}

func TestDecideRejectsNonMsatsCurrency(t *testing.T) {
	r := New(config.RouterConfig{}, &fakeBreakers{}, nil)

	dec, err := r.Decide(DecisionRequest{
		Policy: PolicyLowestTotalCost,
		Candidates: []Candidate{
			{MarketplaceID: "m1", ProviderID: "p-usd", Currency: "usd", TotalPriceMsats: 1},
			{MarketplaceID: "m1", ProviderID: "p-sat", Currency: "msats", TotalPriceMsats: 900},
		},
	})
	require.Nil(t, err)
	assert.Equal(t, "p-sat", dec.Selected.ProviderID)
}

func TestDecideFiltersCepCandidatesWhenBreakerHalted(t *testing.T) {
	r := New(config.RouterConfig{}, &fakeBreakers{halted: true}, nil)

	dec, err := r.Decide(DecisionRequest{
		Pool: "pool-1", ScopeType: "oa.sandbox_run.v1",
		Policy: PolicyLowestTotalCost,
		Candidates: []Candidate{
			{MarketplaceID: "m1", ProviderID: "p-cep", Currency: "msats", TotalPriceMsats: 1, Constraints: map[string]any{"routeKind": "cep_envelope"}},
			{MarketplaceID: "m1", ProviderID: "p-normal", Currency: "msats", TotalPriceMsats: 900},
		},
	})
	require.Nil(t, err)
	assert.Equal(t, "p-normal", dec.Selected.ProviderID)
	assert.Contains(t, dec.PolicyNotes, "cep_candidate_filtered_by_breaker")
}

func TestDecideIsDeterministicAcrossRepeatedCalls(t *testing.T) {
	r := New(config.RouterConfig{}, &fakeBreakers{}, nil)
	req := DecisionRequest{
		Policy:         PolicyReliabilityFirst,
		IdempotencyKey: "fixed-key",
		DecidedAtUnix:  1_700_000_000,
		Candidates: []Candidate{
			{MarketplaceID: "m1", ProviderID: "p-a", Currency: "msats", TotalPriceMsats: 300, ReliabilityBps: 9000},
			{MarketplaceID: "m1", ProviderID: "p-b", Currency: "msats", TotalPriceMsats: 100, ReliabilityBps: 9900},
		},
	}

	dec1, err1 := r.Decide(req)
	require.Nil(t, err1)
	dec2, err2 := r.Decide(req)
	require.Nil(t, err2)

	assert.Equal(t, dec1.DecisionSHA256, dec2.DecisionSHA256)
	assert.Equal(t, "p-b", dec1.Selected.ProviderID)
}

func TestDecideRejectsQuoteHashMismatch(t *testing.T) {
	r := New(config.RouterConfig{}, &fakeBreakers{}, nil)

	_, err := r.Decide(DecisionRequest{
		Policy: PolicyLowestTotalCost,
		Candidates: []Candidate{
			{MarketplaceID: "m1", ProviderID: "p-a", Currency: "msats", TotalPriceMsats: 100, QuoteID: "q1", QuoteSHA256: "not-a-real-hash"},
		},
	})
	require.NotNil(t, err)
	assert.Equal(t, "invalid_request", err.ReasonCode)
}

func TestDecideAcceptsValidQuoteHash(t *testing.T) {
	r := New(config.RouterConfig{}, &fakeBreakers{}, nil)
	c := Candidate{MarketplaceID: "m1", ProviderID: "p-a", Currency: "msats", TotalPriceMsats: 100, QuoteID: "q1"}
	hash, herr := candidateQuoteHash(c)
	require.NoError(t, herr)
	c.QuoteSHA256 = hash

	dec, err := r.Decide(DecisionRequest{Policy: PolicyLowestTotalCost, Candidates: []Candidate{c}})
	require.Nil(t, err)
	assert.Equal(t, "p-a", dec.Selected.ProviderID)
}

func TestVerifierStrictModeRejectsUnsignedDecisions(t *testing.T) {
	r := New(config.RouterConfig{VerifierStrict: true}, &fakeBreakers{}, nil)
	_, err := r.Decide(DecisionRequest{
		Policy:     PolicyLowestTotalCost,
		Candidates: []Candidate{{MarketplaceID: "m1", ProviderID: "p-a", Currency: "msats", TotalPriceMsats: 100}},
	})
	require.NotNil(t, err)
	assert.Equal(t, "verifier_rejected", err.ReasonCode)
}

func TestVerifyAgainstAllowlistRejectsUnknownPubkey(t *testing.T) {
	key := make([]byte, 32)
	key[31] = 1
	signer := credit.NewSigner(key)
	r := New(config.RouterConfig{}, &fakeBreakers{}, signer)

	dec, err := r.Decide(DecisionRequest{
		Policy:     PolicyLowestTotalCost,
		Candidates: []Candidate{{MarketplaceID: "m1", ProviderID: "p-a", Currency: "msats", TotalPriceMsats: 100}},
	})
	require.Nil(t, err)

	verr := VerifyAgainstAllowlist(dec, signer.PublicKeyHex(), []string{"deadbeef"})
	require.NotNil(t, verr)
	assert.Equal(t, "verifier_rejected", verr.ReasonCode)

	verr2 := VerifyAgainstAllowlist(dec, signer.PublicKeyHex(), []string{signer.PublicKeyHex()})
	require.Nil(t, verr2)
}

func TestCandidateUnmarshalRejectsNonObjectConstraints(t *testing.T) {
	var c Candidate
	err := json.Unmarshal([]byte(`{"marketplace_id":"m1","provider_id":"p1","constraints":"not-an-object"}`), &c)
	require.True(t, errors.Is(err, ErrConstraintsNotObject))
}

func TestCandidateUnmarshalAcceptsObjectConstraints(t *testing.T) {
	var c Candidate
	err := json.Unmarshal([]byte(`{"marketplace_id":"m1","provider_id":"p1","constraints":{"routeKind":"cep_envelope"}}`), &c)
	require.NoError(t, err)
	assert.Equal(t, "cep_envelope", c.Constraints["routeKind"])
}
