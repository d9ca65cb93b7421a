package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyBytes = 32

// GenerateAPIKey returns a new random service API key. The raw value is
// shown once to the operator and never stored.
func GenerateAPIKey() (string, error) {
	b := make([]byte, apiKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashAPIKey returns the salted bcrypt hash persisted for a service.
func HashAPIKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(h), nil
}

// dummyHash is compared against when there is no stored hash, so a miss
// costs the same bcrypt work as a hit.
var dummyHash = sync.OnceValue(func() []byte {
	b := make([]byte, apiKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return nil
	}
	h, err := bcrypt.GenerateFromPassword(b, bcrypt.DefaultCost)
	if err != nil {
		return nil
	}
	return h
})

// CompareAPIKey reports whether key matches hash. bcrypt performs the
// comparison in constant time. An empty hash is compared against a dummy
// hash of the same cost and never matches.
func CompareAPIKey(hash, key string) bool {
	if key == "" {
		return false
	}
	if hash == "" {
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(key))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}
