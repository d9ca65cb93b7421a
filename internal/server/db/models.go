package db

import "time"

// Identity is one end user authenticated through GitHub.
type Identity struct {
	ID                    string     `json:"id"`
	GitHubUserID          int64      `json:"githubUserId"`
	GitHubLogin           string     `json:"githubLogin"`
	AccessTokenEncrypted  string     `json:"-"`
	RefreshTokenEncrypted string     `json:"-"`
	TokenExpiresAt        *time.Time `json:"tokenExpiresAt"`
	Whitelisted           bool       `json:"whitelisted"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// HasAccessToken reports whether a third-party access token is stored.
func (i *Identity) HasAccessToken() bool {
	return i.AccessTokenEncrypted != ""
}

// Revocation records an explicitly invalidated credential.
type Revocation struct {
	TokenID    string    `json:"jti"`
	IdentityID string    `json:"identityId"`
	IssuedAt   time.Time `json:"issuedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	RevokedAt  time.Time `json:"revokedAt"`
	RevokedBy  string    `json:"revokedBy"`
	Reason     string    `json:"reason"`
}

// KeyRotation tracks the rotation policy of one key class.
type KeyRotation struct {
	KeyID                string     `json:"keyId"`
	KeyType              string     `json:"keyType"`
	LastRotatedAt        time.Time  `json:"lastRotatedAt"`
	NextRotationDue      *time.Time `json:"nextRotationDue"`
	RotationIntervalDays int        `json:"rotationIntervalDays"`
	Active               bool       `json:"active"`
	Metadata             string     `json:"metadata"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// Service is a downstream caller allowed to use the credential broker.
type Service struct {
	ServiceID   string     `json:"serviceId"`
	APIKeyHash  string     `json:"-"`
	Active      bool       `json:"active"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	LastUsedAt  *time.Time `json:"lastUsedAt"`
}

// EnvelopeUpdate replaces an identity's token envelopes during re-encryption.
// The Old* fields guard against overwriting a concurrent write.
type EnvelopeUpdate struct {
	IdentityID     string
	OldAccessToken string
	OldRefresh     string
	NewAccessToken string
	NewRefresh     string
}
