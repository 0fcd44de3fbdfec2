package credit

import "github.com/ocx/khala/internal/canon"

// contentID hashes v canonically and returns prefix + the first 16 hex
// characters of the SHA-256 digest, per spec.md §4.9's content-addressed ID
// scheme ("int_"/"off_"/"env_" + first16(sha256(canonical))).
func contentID(prefix string, v any) (string, error) {
	h, err := canon.SHA256Hex(v)
	if err != nil {
		return "", err
	}
	return prefix + h[:16], nil
}

func intentID(i *Intent) (string, error) {
	return contentID("int_", map[string]any{
		"agent_id":        i.AgentID,
		"scope_type":      i.ScopeType,
		"scope_id":        i.ScopeID,
		"max_sats":        i.MaxSats,
		"exp":             i.Exp,
		"policy_context":  i.PolicyContext,
		"idempotency_key": i.IdempotencyKey,
	})
}

func offerID(o *Offer) (string, error) {
	return contentID("off_", map[string]any{
		"agent_id":          o.AgentID,
		"pool_id":           o.PoolID,
		"scope":             o.Scope,
		"max_sats":          o.MaxSats,
		"fee_bps":           o.FeeBps,
		"requires_verifier": o.RequiresVerifier,
		"exp":               o.Exp,
		"intent_id":         o.IntentID,
	})
}

func requestID(envelopeID, invoice, host string, maxFeeMsats int64) (string, error) {
	h, err := canon.SHA256Hex(map[string]any{
		"envelope_id":      envelopeID,
		"provider_invoice": invoice,
		"provider_host":    host,
		"max_fee_msats":    maxFeeMsats,
	})
	if err != nil {
		return "", err
	}
	return "liqpay:liq_quote_" + h[:16], nil
}
