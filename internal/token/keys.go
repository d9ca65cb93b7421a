package token

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"
)

const rsaKeyBits = 2048

// KeyPair is the RSA signing key and its JWK key id.
type KeyPair struct {
	Private *rsa.PrivateKey
	KeyID   string
}

// GenerateKeyPair creates a fresh RSA signing key.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return newKeyPair(priv)
}

// LoadKeyPair reads a PEM-encoded RSA private key (PKCS#1 or PKCS#8).
func LoadKeyPair(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	return ParsePrivateKeyPEM(data)
}

// LoadOrGenerateKey loads the key at path, or generates an ephemeral one when
// path is empty. ephemeral reports whether the key was generated.
func LoadOrGenerateKey(path string) (key *KeyPair, ephemeral bool, err error) {
	if path == "" {
		key, err = GenerateKeyPair()
		return key, true, err
	}
	key, err = LoadKeyPair(path)
	return key, false, err
}

// ParsePrivateKeyPEM decodes a PEM-encoded RSA private key.
func ParsePrivateKeyPEM(data []byte) (*KeyPair, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("signing key: no PEM block found")
	}

	if priv, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return newKeyPair(priv)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key must be RSA, got %T", parsed)
	}
	return newKeyPair(priv)
}

// EncodePrivateKeyPEM returns the PKCS#8 PEM encoding of k.
func (k *KeyPair) EncodePrivateKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.Private)
	if err != nil {
		return nil, fmt.Errorf("marshal signing key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func newKeyPair(priv *rsa.PrivateKey) (*KeyPair, error) {
	if priv.N.BitLen() < rsaKeyBits {
		return nil, fmt.Errorf("signing key must be at least %d bits", rsaKeyBits)
	}
	jwk := jose.JSONWebKey{Key: &priv.PublicKey}
	tp, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("compute key thumbprint: %w", err)
	}
	return &KeyPair{Private: priv, KeyID: base64.RawURLEncoding.EncodeToString(tp)}, nil
}

// PublicJWK returns the verification key in JWK form.
func (k *KeyPair) PublicJWK() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       &k.Private.PublicKey,
		KeyID:     k.KeyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}
}

// JWKS returns the key set published to other services.
func (k *KeyPair) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{k.PublicJWK()}}
}
