package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// AdminKey is an administrative bootstrap credential: a public key ID plus
// a bcrypt-hashed secret. Minting a principal token for local tooling or a
// first-run setup goes through AdminKeyStore.Verify rather than Encode directly,
// so the signing key itself never has to leave the process.
type AdminKey struct {
	KeyID      string
	Subject    string
	secretHash []byte
}

// AdminKeyStore is an in-memory registry of administrative bootstrap keys,
// keyed by KeyID. Grounded on the bcrypt-hashed-secret/plaintext-ID split
// used for multi-tenant API key issuance; narrowed here to local-process
// memory since nothing in this runtime has a persistence layer.
type AdminKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*AdminKey
}

// NewAdminKeyStore builds an empty store.
func NewAdminKeyStore() *AdminKeyStore {
	return &AdminKeyStore{keys: make(map[string]*AdminKey)}
}

// Issue mints a new admin key for subject and returns the full key
// ("khala_<key_id>.<secret>") the caller must store — only its hash is
// retained.
func (s *AdminKeyStore) Issue(subject string) (fullKey string, err error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return "", err
	}
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", err
	}

	keyID := hex.EncodeToString(idBytes)
	secret := hex.EncodeToString(secretBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.keys[keyID] = &AdminKey{KeyID: keyID, Subject: subject, secretHash: hash}
	s.mu.Unlock()

	return fmt.Sprintf("khala_%s.%s", keyID, secret), nil
}

// Verify checks a "khala_<key_id>.<secret>" key and returns the bound
// subject on success.
func (s *AdminKeyStore) Verify(fullKey string) (subject string, ok bool) {
	keyID, secret, ok := splitAdminKey(fullKey)
	if !ok {
		return "", false
	}

	s.mu.RLock()
	k, found := s.keys[keyID]
	s.mu.RUnlock()
	if !found {
		return "", false
	}

	if bcrypt.CompareHashAndPassword(k.secretHash, []byte(secret)) != nil {
		return "", false
	}
	return k.Subject, true
}

func splitAdminKey(fullKey string) (keyID, secret string, ok bool) {
	const prefix = "khala_"
	if !strings.HasPrefix(fullKey, prefix) || len(fullKey) <= len(prefix) {
		return "", "", false
	}
	rest := fullKey[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '.' {
			return rest[:i], rest[i+1:], true
		}
	}
	return "", "", false
}
