package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLen    = 32
	nonceLen   = 12
	gcmTagLen  = 16
	derivedLen = 32

	// DefaultIterations is the PBKDF2-SHA256 work factor applied to the
	// master secret for every envelope.
	DefaultIterations = 100_000

	// MinMasterKeyLen is the shortest master secret accepted by NewEncryptor.
	MinMasterKeyLen = 32

	envelopeSep = ":"
)

var (
	// ErrMalformedEnvelope is returned when a stored value is not a
	// salt:nonce:tag:ciphertext envelope.
	ErrMalformedEnvelope = errors.New("malformed encrypted envelope")
	// ErrDecrypt is returned when authentication of an envelope fails.
	// Callers must treat this as a hard failure; no partial plaintext is returned.
	ErrDecrypt = errors.New("envelope authentication failed")
)

// Encryptor seals third-party tokens under a master secret before they are
// written to the datastore.
type Encryptor struct {
	masterKey  []byte
	iterations int
}

// NewEncryptor returns an Encryptor bound to masterKey.
func NewEncryptor(masterKey string) (*Encryptor, error) {
	if len(masterKey) < MinMasterKeyLen {
		return nil, fmt.Errorf("master key must be at least %d characters", MinMasterKeyLen)
	}
	return &Encryptor{masterKey: []byte(masterKey), iterations: DefaultIterations}, nil
}

// Encrypt seals plaintext under the configured master key.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	return sealEnvelope(e.masterKey, e.iterations, []byte(plaintext))
}

// Decrypt opens an envelope produced by Encrypt.
func (e *Encryptor) Decrypt(envelope string) (string, error) {
	pt, err := openEnvelope(e.masterKey, e.iterations, envelope)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// EncryptWithKey seals plaintext under an explicitly supplied master key.
// Used by the re-encryption job, which holds the outgoing and incoming keys
// at the same time.
func EncryptWithKey(plaintext string, masterKey []byte) (string, error) {
	return sealEnvelope(masterKey, DefaultIterations, []byte(plaintext))
}

// DecryptWithKey opens an envelope under an explicitly supplied master key.
func DecryptWithKey(envelope string, masterKey []byte) (string, error) {
	pt, err := openEnvelope(masterKey, DefaultIterations, envelope)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

func deriveKey(masterKey, salt []byte, iterations int) []byte {
	return pbkdf2.Key(masterKey, salt, iterations, derivedLen, sha256.New)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

// sealEnvelope output format: b64(salt):b64(nonce):b64(tag):b64(ciphertext)
func sealEnvelope(masterKey []byte, iterations int, plaintext []byte) (string, error) {
	if len(masterKey) == 0 {
		return "", errors.New("empty master key")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	gcm, err := newGCM(deriveKey(masterKey, salt, iterations))
	if err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ct := sealed[:len(sealed)-gcmTagLen]
	tag := sealed[len(sealed)-gcmTagLen:]

	enc := base64.StdEncoding
	return strings.Join([]string{
		enc.EncodeToString(salt),
		enc.EncodeToString(nonce),
		enc.EncodeToString(tag),
		enc.EncodeToString(ct),
	}, envelopeSep), nil
}

func openEnvelope(masterKey []byte, iterations int, envelope string) ([]byte, error) {
	parts := strings.Split(envelope, envelopeSep)
	if len(parts) != 4 {
		return nil, ErrMalformedEnvelope
	}

	enc := base64.StdEncoding
	salt, err := enc.DecodeString(parts[0])
	if err != nil || len(salt) != saltLen {
		return nil, ErrMalformedEnvelope
	}
	nonce, err := enc.DecodeString(parts[1])
	if err != nil || len(nonce) != nonceLen {
		return nil, ErrMalformedEnvelope
	}
	tag, err := enc.DecodeString(parts[2])
	if err != nil || len(tag) != gcmTagLen {
		return nil, ErrMalformedEnvelope
	}
	ct, err := enc.DecodeString(parts[3])
	if err != nil {
		return nil, ErrMalformedEnvelope
	}

	gcm, err := newGCM(deriveKey(masterKey, salt, iterations))
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
