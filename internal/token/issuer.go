// Package token mints and verifies the gateway's own RS256-signed credentials.
//
// Claims carry identity only. Whether an identity may currently use the
// gateway is decided from the datastore on every request, so the whitelist
// flag is never embedded in a credential.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"github.com/juju/clock"
)

// Defaults applied by NewIssuer for a zero TTL or a negative skew.
const (
	DefaultTTL       = 30 * 24 * time.Hour
	DefaultClockSkew = 60 * time.Second
)

var (
	// ErrInvalid covers malformed tokens, bad signatures, wrong issuer or
	// audience, and missing required claims.
	ErrInvalid = errors.New("invalid token")
	// ErrExpired is returned when now > expiry + clock skew. The signature
	// and all other claims were valid.
	ErrExpired = errors.New("token expired")
)

// Config controls issued credentials.
type Config struct {
	Issuer    string
	Audience  string
	TTL       time.Duration
	ClockSkew time.Duration
}

// Claims is the verified content of a credential.
type Claims struct {
	Subject      string    `json:"sub"`
	GitHubUserID int64     `json:"github_user_id"`
	TokenID      string    `json:"jti"`
	Issuer       string    `json:"iss"`
	Audience     string    `json:"aud"`
	IssuedAt     time.Time `json:"iat"`
	ExpiresAt    time.Time `json:"exp"`
}

type privateClaims struct {
	GitHubUserID int64 `json:"github_user_id"`
}

// Issuer signs and verifies credentials with a single RSA key pair.
type Issuer struct {
	key    *KeyPair
	signer jose.Signer
	cfg    Config
	clock  clock.Clock
}

// NewIssuer returns an Issuer. A nil clock means wall-clock time.
func NewIssuer(key *KeyPair, cfg Config, clk clock.Clock) (*Issuer, error) {
	if key == nil {
		return nil, errors.New("token issuer requires a signing key")
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("token issuer requires issuer and audience")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.ClockSkew < 0 {
		cfg.ClockSkew = DefaultClockSkew
	}
	if clk == nil {
		clk = clock.WallClock
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: key.Private, KeyID: key.KeyID}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}
	return &Issuer{key: key, signer: signer, cfg: cfg, clock: clk}, nil
}

// Config returns the effective configuration.
func (i *Issuer) Config() Config { return i.cfg }

// KeyPair returns the signing key pair.
func (i *Issuer) KeyPair() *KeyPair { return i.key }

// Issue mints a credential for the identity with a fresh token id.
func (i *Issuer) Issue(subject string, githubUserID int64) (string, *Claims, error) {
	if subject == "" || githubUserID <= 0 {
		return "", nil, errors.New("issue: subject and github user id are required")
	}

	now := i.clock.Now().UTC().Truncate(time.Second)
	claims := &Claims{
		Subject:      subject,
		GitHubUserID: githubUserID,
		TokenID:      uuid.NewString(),
		Issuer:       i.cfg.Issuer,
		Audience:     i.cfg.Audience,
		IssuedAt:     now,
		ExpiresAt:    now.Add(i.cfg.TTL),
	}

	std := jwt.Claims{
		Subject:  claims.Subject,
		ID:       claims.TokenID,
		Issuer:   claims.Issuer,
		Audience: jwt.Audience{claims.Audience},
		IssuedAt: jwt.NewNumericDate(claims.IssuedAt),
		Expiry:   jwt.NewNumericDate(claims.ExpiresAt),
	}
	raw, err := jwt.Signed(i.signer).Claims(std).Claims(privateClaims{GitHubUserID: githubUserID}).Serialize()
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return raw, claims, nil
}

// Verify checks signature, issuer, audience, required claims and expiry.
//
// When the only failure is expiry, Verify returns the parsed claims together
// with ErrExpired so callers can still identify the credential.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return nil, ErrInvalid
	}

	var (
		std  jwt.Claims
		priv privateClaims
	)
	if err := tok.Claims(&i.key.Private.PublicKey, &std, &priv); err != nil {
		return nil, ErrInvalid
	}

	if std.Subject == "" || std.ID == "" || std.IssuedAt == nil || std.Expiry == nil || priv.GitHubUserID <= 0 {
		return nil, ErrInvalid
	}

	claims := &Claims{
		Subject:      std.Subject,
		GitHubUserID: priv.GitHubUserID,
		TokenID:      std.ID,
		Issuer:       std.Issuer,
		Audience:     i.cfg.Audience,
		IssuedAt:     std.IssuedAt.Time().UTC(),
		ExpiresAt:    std.Expiry.Time().UTC(),
	}

	err = std.ValidateWithLeeway(jwt.Expected{
		Issuer:      i.cfg.Issuer,
		AnyAudience: jwt.Audience{i.cfg.Audience},
		Time:        i.clock.Now(),
	}, i.cfg.ClockSkew)
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrExpired):
		return claims, ErrExpired
	default:
		return nil, ErrInvalid
	}
}
