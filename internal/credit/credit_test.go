package credit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/khala/internal/clock"
	"github.com/ocx/khala/internal/config"
	"github.com/ocx/khala/internal/eventlog"
)

type stubWallet struct {
	calls int
	fee   int64
}

func (w *stubWallet) Pay(ctx context.Context, req PayRequest) (*PayResult, error) {
	w.calls++
	return &PayResult{RequestID: req.RequestID, FeeMsats: w.fee}, nil
}

func newTestStore(t *testing.T, wallet WalletExecutor) (*Store, *eventlog.Log) {
	t.Helper()
	cfg := config.Defaulted()
	c := clock.NewFake(time.Unix(1_700_000_000, 0))
	l := eventlog.New(c, nil)
	s := New(cfg.Credit, l, c, wallet, NewSigner(nil))
	return s, l
}

// TestScenario6_PayAfterVerifyFailure is scenario 6 from spec.md §8.
func TestScenario6_PayAfterVerifyFailure(t *testing.T) {
	wallet := &stubWallet{}
	s, l := newTestStore(t, wallet)
	_, _ = l.CreateStream("run:x:events", "u1", "run.started", map[string]any{})

	offer, err := s.RegisterOffer(Offer{
		AgentID: "agent-1", PoolID: "pool-1", Scope: "oa.sandbox_run.v1:x",
		MaxSats: 10_000, FeeBps: 10,
	})
	require.Nil(t, err)

	env, err := s.ClaimEnvelope(offer.ID, "provider-fail")
	require.Nil(t, err)

	resp, serr := s.Settle(context.Background(), SettleRequest{
		EnvelopeID:          env.ID,
		VerificationPassed:  false,
		ProviderInvoice:     "inv1",
		ProviderHost:        "host1",
		MaxFeeMsats:         1000,
	})
	require.Nil(t, serr)
	assert.Equal(t, "withheld", resp.SettlementStatus)
	assert.Equal(t, 0, wallet.calls)
	require.NotNil(t, resp.Receipt)
	assert.Equal(t, "PriceIntegrityFailed", resp.Receipt.Kind)

	frames, _, _, rerr := l.Read("run:x:events", 0, 0)
	require.Nil(t, rerr)
	found := false
	for _, f := range frames {
		if f.EventType == "receipt" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestSettleIsIdempotentAcrossRepeatedCalls(t *testing.T) {
	wallet := &stubWallet{fee: 5}
	s, l := newTestStore(t, wallet)
	_, _ = l.CreateStream("run:y:events", "u1", "run.started", map[string]any{})

	offer, err := s.RegisterOffer(Offer{
		AgentID: "agent-1", PoolID: "pool-1", Scope: "oa.sandbox_run.v1:y", MaxSats: 5000,
	})
	require.Nil(t, err)
	env, err := s.ClaimEnvelope(offer.ID, "provider-ok")
	require.Nil(t, err)

	req := SettleRequest{
		EnvelopeID: env.ID, VerificationPassed: true,
		ProviderInvoice: "inv2", ProviderHost: "host2", MaxFeeMsats: 500,
	}

	resp1, serr1 := s.Settle(context.Background(), req)
	require.Nil(t, serr1)
	resp2, serr2 := s.Settle(context.Background(), req)
	require.Nil(t, serr2)

	assert.Equal(t, resp1.RequestID, resp2.RequestID)
	assert.Equal(t, resp1.Receipt.CanonicalJSONSHA, resp2.Receipt.CanonicalJSONSHA)
	assert.Equal(t, 1, wallet.calls)
}

func TestClaimEnvelopeRejectsSecondClaim(t *testing.T) {
	s, _ := newTestStore(t, &stubWallet{})
	offer, err := s.RegisterOffer(Offer{AgentID: "a1", PoolID: "p1", Scope: "oa.sandbox_run.v1:z", MaxSats: 1000})
	require.Nil(t, err)

	_, cerr := s.ClaimEnvelope(offer.ID, "provider-a")
	require.Nil(t, cerr)

	_, cerr2 := s.ClaimEnvelope(offer.ID, "provider-b")
	require.NotNil(t, cerr2)
	assert.Equal(t, "offer_already_consumed", cerr2.ReasonCode)
}

func TestSettleWithheldWhenBreakerHalted(t *testing.T) {
	s, l := newTestStore(t, &stubWallet{})
	s.cfg.CircuitBreakerMinSample = 2
	s.cfg.LossRateHaltThreshold = 0.4
	s.breakers = newBreakers(2, 0.4, 1.0)
	_, _ = l.CreateStream("run:w:events", "u1", "run.started", map[string]any{})

	s.breakers.RecordOutcome("pool-halt", "oa.sandbox_run.v1", true, false)
	s.breakers.RecordOutcome("pool-halt", "oa.sandbox_run.v1", true, false)

	offer, err := s.RegisterOffer(Offer{AgentID: "a1", PoolID: "pool-halt", Scope: "oa.sandbox_run.v1:w", MaxSats: 1000})
	require.Nil(t, err)
	env, err := s.ClaimEnvelope(offer.ID, "provider-x")
	require.Nil(t, err)

	resp, serr := s.Settle(context.Background(), SettleRequest{
		EnvelopeID: env.ID, VerificationPassed: true,
		ProviderInvoice: "inv3", ProviderHost: "host3", MaxFeeMsats: 100,
	})
	require.Nil(t, serr)
	assert.Equal(t, "withheld", resp.SettlementStatus)
	assert.Equal(t, "policy_halted", resp.ReasonCode)
}
