// Package broker hands decrypted third-party tokens to registered downstream
// services, refreshing them against the provider when they are close to
// expiry.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aspect-build/authgate/internal/apperr"
	"github.com/aspect-build/authgate/internal/crypto"
	"github.com/aspect-build/authgate/internal/keyrotation"
	"github.com/aspect-build/authgate/internal/logx"
	"github.com/aspect-build/authgate/internal/server/db"
	"github.com/cenkalti/backoff/v5"
	"github.com/juju/clock"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultRefreshThreshold = time.Hour
	DefaultMaxRefreshTries  = 3
)

// Config tunes the broker.
type Config struct {
	// RefreshThreshold triggers a proactive refresh when the stored token
	// expires within this window.
	RefreshThreshold time.Duration
	// Timeout bounds each datastore call.
	Timeout time.Duration
	// ProviderTimeout bounds a whole refresh, retries included.
	ProviderTimeout time.Duration
	// MaxRefreshTries caps refresh attempts.
	MaxRefreshTries uint
	// RetryInitialInterval is the first backoff delay between attempts.
	RetryInitialInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.RefreshThreshold <= 0 {
		c.RefreshThreshold = DefaultRefreshThreshold
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 10 * time.Second
	}
	if c.MaxRefreshTries == 0 {
		c.MaxRefreshTries = DefaultMaxRefreshTries
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 250 * time.Millisecond
	}
}

// Lookup selects an identity by id or by GitHub user id.
type Lookup struct {
	IdentityID   string `json:"userId"`
	GitHubUserID int64  `json:"githubUserId"`
}

// ThirdPartyToken is a decrypted provider token returned to a service.
type ThirdPartyToken struct {
	AccessToken  string     `json:"accessToken"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	IdentityID   string     `json:"userId"`
	GitHubUserID int64      `json:"githubUserId"`
	GitHubLogin  string     `json:"githubLogin"`
	Refreshed    bool       `json:"refreshed"`
}

// Broker authenticates services and serves third-party tokens.
type Broker struct {
	db        *db.Store
	enc       *crypto.Encryptor
	refresher Refresher
	tracker   *keyrotation.Tracker
	clock     clock.Clock
	cfg       Config
	group     singleflight.Group
}

// New returns a Broker. refresher may be nil, in which case stored tokens are
// served until they expire. tracker may be nil.
func New(store *db.Store, enc *crypto.Encryptor, refresher Refresher, tracker *keyrotation.Tracker, clk clock.Clock, cfg Config) *Broker {
	if clk == nil {
		clk = clock.WallClock
	}
	cfg.applyDefaults()
	return &Broker{db: store, enc: enc, refresher: refresher, tracker: tracker, clock: clk, cfg: cfg}
}

func (b *Broker) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.cfg.Timeout)
}

// Authenticate checks a service's API key against its stored bcrypt hash.
// Unknown, inactive and wrong-key callers get the same error.
func (b *Broker) Authenticate(ctx context.Context, serviceID, apiKey string) (*db.Service, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	svc, err := b.db.GetService(ctx, serviceID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeUnavailable, "service lookup failed", err)
	}
	// Unknown ids still pay for a bcrypt comparison so timing does not
	// reveal which services exist.
	var hash string
	if svc != nil {
		hash = svc.APIKeyHash
	}
	match := crypto.CompareAPIKey(hash, apiKey)
	if svc == nil || !svc.Active || !match {
		logx.Warnf("broker: rejected credentials for service %q", serviceID)
		return nil, errBadCredentials
	}
	if err := b.db.TouchServiceLastUsed(ctx, serviceID, b.clock.Now()); err != nil {
		logx.Warnf("broker: update last-used for %s: %v", serviceID, err)
	}
	return svc, nil
}

func (b *Broker) lookup(ctx context.Context, l Lookup) (*db.Identity, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	var (
		ident *db.Identity
		err   error
	)
	switch {
	case l.IdentityID != "":
		ident, err = b.db.GetIdentity(ctx, l.IdentityID)
	case l.GitHubUserID > 0:
		ident, err = b.db.GetIdentityByGitHubUserID(ctx, l.GitHubUserID)
	default:
		return nil, apperr.New(apperr.CodeMissingUserID, "userId or githubUserId is required")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeUnavailable, "identity lookup failed", err)
	}
	if ident == nil {
		return nil, apperr.New(apperr.CodeUserNotFound, "user not found")
	}
	return ident, nil
}

// FetchThirdPartyToken returns the identity's decrypted provider token.
//
// If the token expires within RefreshThreshold and a refresh token is
// stored, it is refreshed first and the new envelopes persisted. A failed
// refresh still returns the old token while it is unexpired; once expired
// the call fails with REFRESH_FAILED.
func (b *Broker) FetchThirdPartyToken(ctx context.Context, l Lookup) (*ThirdPartyToken, error) {
	ident, err := b.lookup(ctx, l)
	if err != nil {
		return nil, err
	}
	if !ident.Whitelisted {
		return nil, apperr.New(apperr.CodeUserNotWhitelisted, "user is not whitelisted")
	}
	if !ident.HasAccessToken() {
		return nil, apperr.New(apperr.CodeTokenNotAvailable, "no third-party token stored for user")
	}

	access, err := b.enc.Decrypt(ident.AccessTokenEncrypted)
	if err != nil {
		logx.Errorf("broker: decrypt access token for %s: %v", ident.ID, err)
		return nil, apperr.Wrap(apperr.CodeInternal, "decrypt stored token", err)
	}

	out := &ThirdPartyToken{
		AccessToken:  access,
		ExpiresAt:    ident.TokenExpiresAt,
		IdentityID:   ident.ID,
		GitHubUserID: ident.GitHubUserID,
		GitHubLogin:  ident.GitHubLogin,
	}

	now := b.clock.Now()
	expired := ident.TokenExpiresAt != nil && !now.Before(*ident.TokenExpiresAt)
	nearExpiry := ident.TokenExpiresAt != nil && ident.TokenExpiresAt.Sub(now) <= b.cfg.RefreshThreshold
	canRefresh := ident.RefreshTokenEncrypted != "" && b.refresher != nil

	if !nearExpiry {
		return out, nil
	}
	if !canRefresh {
		if expired {
			return nil, apperr.New(apperr.CodeTokenNotAvailable, "stored token has expired and cannot be refreshed; user must sign in again")
		}
		return out, nil
	}

	refreshed, err := b.refreshShared(ctx, ident)
	if err != nil {
		if !expired {
			logx.Warnf("broker: refresh for %s failed, serving existing token: %v", ident.ID, err)
			return out, nil
		}
		logx.Errorf("broker: refresh for %s failed and token expired: %v", ident.ID, err)
		return nil, apperr.Wrap(apperr.CodeRefreshFailed, "token refresh failed, try again later", err)
	}
	out.AccessToken = refreshed.AccessToken
	out.ExpiresAt = refreshed.ExpiresAt
	out.Refreshed = true
	return out, nil
}

type refreshResult struct {
	AccessToken string
	ExpiresAt   *time.Time
}

// refreshShared collapses concurrent refreshes of one identity into a single
// provider call.
func (b *Broker) refreshShared(ctx context.Context, ident *db.Identity) (*refreshResult, error) {
	v, err, _ := b.group.Do(ident.ID, func() (any, error) {
		// Detached so one caller's cancellation does not fail the others.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.ProviderTimeout)
		defer cancel()
		return b.refresh(rctx, ident)
	})
	if err != nil {
		return nil, err
	}
	return v.(*refreshResult), nil
}

func (b *Broker) refresh(ctx context.Context, ident *db.Identity) (*refreshResult, error) {
	refreshToken, err := b.enc.Decrypt(ident.RefreshTokenEncrypted)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decrypt refresh token: %w", err))
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.RetryInitialInterval

	attempt := 0
	tok, err := backoff.Retry(ctx, func() (*oauth2.Token, error) {
		attempt++
		t, err := b.refresher.Refresh(ctx, refreshToken)
		if err != nil {
			logx.Debugf("broker: refresh attempt %d for %s: %v", attempt, ident.ID, err)
			return nil, err
		}
		if t.AccessToken == "" {
			return nil, backoff.Permanent(errors.New("provider returned an empty access token"))
		}
		return t, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(b.cfg.MaxRefreshTries))
	if err != nil {
		return nil, err
	}

	newRefresh := tok.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}
	accessEnc, err := b.enc.Encrypt(tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	refreshEnc, err := b.enc.Encrypt(newRefresh)
	if err != nil {
		return nil, fmt.Errorf("encrypt refresh token: %w", err)
	}

	var expiresAt *time.Time
	if !tok.Expiry.IsZero() {
		e := tok.Expiry.UTC().Truncate(time.Second)
		expiresAt = &e
	}

	dctx, cancel := b.withTimeout(ctx)
	defer cancel()
	if err := b.db.UpdateIdentityTokens(dctx, ident.ID, accessEnc, refreshEnc, expiresAt, b.clock.Now()); err != nil {
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}
	logx.Infof("broker: refreshed third-party token for %s after %d attempt(s)", ident.ID, attempt)
	return &refreshResult{AccessToken: tok.AccessToken, ExpiresAt: expiresAt}, nil
}
