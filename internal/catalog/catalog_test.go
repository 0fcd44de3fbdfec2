package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/khala/internal/clock"
	"github.com/ocx/khala/internal/config"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	cfg := config.Defaulted()
	cfg.Catalog.MinRecoveryStakeSats = 1000
	c := clock.NewFake(time.Unix(1_700_000_000, 0))
	return New(cfg.Catalog, c)
}

func TestRegisterRejectsDuplicateProviderID(t *testing.T) {
	cat := newTestCatalog(t)
	p := Provider{ProviderID: "prov-1", PoolID: "pool-1", Pricing: Pricing{FeeBps: 25, MaxSatsPerEnvelope: 1000}}

	_, err := cat.Register(p)
	require.Nil(t, err)

	_, err2 := cat.Register(p)
	require.NotNil(t, err2)
	assert.Equal(t, "sequence_conflict", err2.ReasonCode)
}

func TestRegisterRejectsInvalidPricing(t *testing.T) {
	cat := newTestCatalog(t)

	_, err := cat.Register(Provider{ProviderID: "prov-1", Pricing: Pricing{FeeBps: 20000, MaxSatsPerEnvelope: 1000}})
	require.NotNil(t, err)

	_, err2 := cat.Register(Provider{ProviderID: "prov-2", Pricing: Pricing{FeeBps: 10, MaxSatsPerEnvelope: 0}})
	require.NotNil(t, err2)
}

func TestQuarantineThenRecoverRoundtrip(t *testing.T) {
	cat := newTestCatalog(t)
	_, err := cat.Register(Provider{ProviderID: "prov-1", Pricing: Pricing{FeeBps: 10, MaxSatsPerEnvelope: 1000}})
	require.Nil(t, err)

	_, qerr := cat.Quarantine("prov-1", "excess_ln_failures")
	require.Nil(t, qerr)
	assert.True(t, cat.IsQuarantined("prov-1"))

	_, rerr := cat.Recover("prov-1", 500)
	require.NotNil(t, rerr)
	assert.True(t, cat.IsQuarantined("prov-1"))

	p, rerr2 := cat.Recover("prov-1", 1000)
	require.Nil(t, rerr2)
	assert.Equal(t, StatusActive, p.Status)
	assert.False(t, cat.IsQuarantined("prov-1"))
}

func TestQuarantineUnknownProviderNotFound(t *testing.T) {
	cat := newTestCatalog(t)
	_, err := cat.Quarantine("missing", "reason")
	require.NotNil(t, err)
	assert.Equal(t, "unknown_stream", err.ReasonCode)
}
