// Package catalog implements the Provider Catalog described in
// SPEC_FULL.md §4.11: provider registration, quarantine, and stake-gated
// recovery. Grounded on internal/catalog/tool_catalog.go's RWMutex-guarded
// registry shape (Register/Get/List) and internal/reputation/quarantine.go's
// stake-gated ProcessRecovery, repointed from tools/agents to providers.
package catalog

import (
	"sync"
	"time"

	"github.com/ocx/khala/internal/apierr"
	"github.com/ocx/khala/internal/clock"
	"github.com/ocx/khala/internal/config"
)

// Status values a Provider can hold.
const (
	StatusActive      = "active"
	StatusQuarantined = "quarantined"
	StatusRetired     = "retired"
)

// Pricing carries a provider's quoted fee structure.
type Pricing struct {
	FeeBps              int   `json:"fee_bps"`
	MaxSatsPerEnvelope  int64 `json:"max_sats_per_envelope"`
}

// Provider is a registered settlement counterparty, per §4.11.
type Provider struct {
	ProviderID        string    `json:"provider_id"`
	PoolID            string    `json:"pool_id"`
	DisplayName       string    `json:"display_name"`
	Pricing           Pricing   `json:"pricing"`
	Capabilities      []string  `json:"capabilities,omitempty"`
	Status            string    `json:"status"`
	RegisteredAt      time.Time `json:"registered_at"`
	QuarantineReason  string    `json:"quarantine_reason,omitempty"`
}

// Catalog is the process-wide provider registry.
type Catalog struct {
	mu              sync.RWMutex
	providers       map[string]*Provider
	clock           clock.Clock
	minRecoveryStake int64
}

// New builds an empty Catalog from the provider_catalog config block.
func New(cfg config.CatalogConfig, c clock.Clock) *Catalog {
	minRecoveryStake := cfg.MinRecoveryStakeSats
	if minRecoveryStake <= 0 {
		minRecoveryStake = 5000
	}
	return &Catalog{
		providers:        make(map[string]*Provider),
		clock:            c,
		minRecoveryStake: minRecoveryStake,
	}
}

// Register adds a new provider. Duplicate provider_id returns conflict.
func (c *Catalog) Register(p Provider) (*Provider, *apierr.Error) {
	if p.Pricing.FeeBps < 0 || p.Pricing.FeeBps > 10_000 {
		return nil, apierr.BadRequest("invalid_request", map[string]any{"detail": "fee_bps out of [0,10000]"})
	}
	if p.Pricing.MaxSatsPerEnvelope <= 0 {
		return nil, apierr.BadRequest("invalid_request", map[string]any{"detail": "max_sats_per_envelope must be > 0"})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.providers[p.ProviderID]; exists {
		return nil, apierr.Conflict("sequence_conflict", map[string]any{"provider_id": p.ProviderID})
	}

	p.Status = StatusActive
	p.RegisteredAt = c.clock.Now()
	c.providers[p.ProviderID] = &p
	return &p, nil
}

// Get returns a provider by ID.
func (c *Catalog) Get(providerID string) (*Provider, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.providers[providerID]
	return p, ok
}

// IsQuarantined reports whether providerID is currently quarantined, for
// credit.Store.ClaimEnvelope's quarantine check. The router and Settle do
// not consult it.
func (c *Catalog) IsQuarantined(providerID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.providers[providerID]
	return ok && p.Status == StatusQuarantined
}

// Quarantine marks a provider quarantined. New envelope claims against its
// offers are rejected; outstanding envelopes are left untouched per §4.11.
func (c *Catalog) Quarantine(providerID, reason string) (*Provider, *apierr.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.providers[providerID]
	if !ok {
		return nil, apierr.NotFound("unknown_stream")
	}
	p.Status = StatusQuarantined
	p.QuarantineReason = reason
	return p, nil
}

// Recover un-quarantines a provider if stakeSats meets the catalog's
// minimum recovery stake. No probationary period is applied — §4.11 defines
// probation only for agents in the teacher, never for providers here.
func (c *Catalog) Recover(providerID string, stakeSats int64) (*Provider, *apierr.Error) {
	if stakeSats < c.minRecoveryStake {
		return nil, apierr.BadRequest("invalid_request", map[string]any{
			"detail": "stake below minimum recovery stake", "min_recovery_stake": c.minRecoveryStake,
		})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.providers[providerID]
	if !ok {
		return nil, apierr.NotFound("unknown_stream")
	}
	p.Status = StatusActive
	p.QuarantineReason = ""
	return p, nil
}

// List returns every registered provider.
func (c *Catalog) List() []*Provider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Provider, 0, len(c.providers))
	for _, p := range c.providers {
		out = append(out, p)
	}
	return out
}
