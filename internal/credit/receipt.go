package credit

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/ocx/khala/internal/canon"
)

// Receipt is the canonical, content-addressed settlement/decision receipt
// shape named throughout spec.md §4.9/§6 ("openagents.receipt.v1").
type Receipt struct {
	Kind              string         `json:"kind"`
	EnvelopeID        string         `json:"envelope_id,omitempty"`
	SettlementStatus  string         `json:"settlement_status,omitempty"`
	ReasonCode        string         `json:"reason_code,omitempty"`
	Body              map[string]any `json:"body,omitempty"`
	CanonicalJSONSHA  string         `json:"canonical_json_sha256"`
	Scheme            string         `json:"scheme,omitempty"`
	SignatureHex      string         `json:"signature_hex,omitempty"`
}

// Signer produces BIP340 Schnorr signatures over secp256k1 without
// auxiliary-randomness mixing, the exact scheme spec.md §6 names
// ("secp256k1_schnorr_no_aux_rand"). Sourced from the rest of the retrieval
// pack (the teacher carries no secp256k1 dependency at all) since no
// component in this spec needed signing before the Credit Settlement Core.
type Signer struct {
	priv *btcec.PrivateKey
}

// NewSigner derives a Signer from a 32-byte private key. A nil/empty key
// yields a Signer whose Sign returns the digest with an empty signature — receipt
// signing is explicitly optional per spec.md §4.10 ("Optionally sign...
// when a signer key is configured").
func NewSigner(rawKey []byte) *Signer {
	if len(rawKey) == 0 {
		return &Signer{}
	}
	priv, _ := btcec.PrivKeyFromBytes(rawKey)
	return &Signer{priv: priv}
}

// PublicKeyHex returns the signer's x-only public key, hex encoded, or ""
// if unconfigured.
func (s *Signer) PublicKeyHex() string {
	if s.priv == nil {
		return ""
	}
	return hex.EncodeToString(schnorr.SerializePubKey(s.priv.PubKey()))
}

// Sign computes the canonical_json_sha256 of v and, if a key is configured,
// a BIP340 signature over that digest. No auxiliary randomness is passed in
// (btcec derives the nonce deterministically from key and digest), which is
// what secp256k1_schnorr_no_aux_rand names; FastSign only skips btcec's
// post-signing self-verification. Returns the
// hex digest, the hex signature (empty if unsigned), and any marshal error.
func (s *Signer) Sign(v any) (digestHex, sigHex string, err error) {
	digestHex, err = canon.SHA256Hex(v)
	if err != nil {
		return "", "", err
	}
	if s.priv == nil {
		return digestHex, "", nil
	}

	hashBytes, err := hex.DecodeString(digestHex)
	if err != nil {
		return "", "", err
	}

	sig, err := schnorr.Sign(s.priv, hashBytes, schnorr.FastSign())
	if err != nil {
		return "", "", err
	}
	return digestHex, hex.EncodeToString(sig.Serialize()), nil
}

// Verify checks a 64-byte hex BIP340 signature against a hex pubkey and
// canonical digest, used by the verifier-strict-mode check in §4.10.
func Verify(pubKeyHex, digestHex, sigHex string) bool {
	pubRaw, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false
	}
	pub, err := schnorr.ParsePubKey(pubRaw)
	if err != nil {
		return false
	}
	hashBytes, err := hex.DecodeString(digestHex)
	if err != nil {
		return false
	}
	sigRaw, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(sigRaw)
	if err != nil {
		return false
	}
	return sig.Verify(hashBytes, pub)
}
