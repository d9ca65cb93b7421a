// Package authgate turns a presented credential into an admission decision.
//
// Authorize runs three checks in order: signature and claims, the revocation
// list, then the identity's whitelist flag read fresh from the datastore.
// Nothing is cached between requests, and a datastore failure at any step
// rejects the request.
package authgate

import (
	"context"
	"errors"
	"time"

	"github.com/aspect-build/authgate/internal/apperr"
	"github.com/aspect-build/authgate/internal/logx"
	"github.com/aspect-build/authgate/internal/revocation"
	"github.com/aspect-build/authgate/internal/server/db"
	"github.com/aspect-build/authgate/internal/token"
	"github.com/juju/clock"
)

// Config tunes the gate.
type Config struct {
	// RefreshGrace is how long after expiry a credential may still be
	// exchanged for a new one. Zero requires an unexpired credential.
	RefreshGrace time.Duration
	// Timeout bounds each datastore read made while authorizing.
	Timeout time.Duration
}

// Principal is the admitted caller attached to a request.
type Principal struct {
	SubjectID    string    `json:"sub"`
	GitHubUserID int64     `json:"githubUserId"`
	TokenID      string    `json:"jti"`
	ExpiresAt    time.Time `json:"exp"`
}

func principalOf(c *token.Claims) *Principal {
	return &Principal{
		SubjectID:    c.Subject,
		GitHubUserID: c.GitHubUserID,
		TokenID:      c.TokenID,
		ExpiresAt:    c.ExpiresAt,
	}
}

// Gate composes the verifier, the revocation list and the identity store.
type Gate struct {
	issuer      *token.Issuer
	revocations *revocation.Store
	db          *db.Store
	clock       clock.Clock
	cfg         Config
}

func New(issuer *token.Issuer, revocations *revocation.Store, store *db.Store, clk clock.Clock, cfg Config) *Gate {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Gate{issuer: issuer, revocations: revocations, db: store, clock: clk, cfg: cfg}
}

// Issuer returns the underlying token issuer.
func (g *Gate) Issuer() *token.Issuer { return g.issuer }

func (g *Gate) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.cfg.Timeout)
}

var (
	errInvalid     = apperr.New(apperr.CodeInvalidToken, "invalid token")
	errExpired     = apperr.New(apperr.CodeExpiredToken, "token has expired, please re-authenticate")
	errRevoked     = apperr.New(apperr.CodeTokenRevoked, "token has been revoked")
	errNoUser      = apperr.New(apperr.CodeUserNotFound, "user not found")
	errNotListed   = apperr.New(apperr.CodeWhitelistRevoked, "access has been revoked")
	errMissingUser = apperr.New(apperr.CodeMissingUserID, "userId is required")
)

func unavailable(step string, err error) error {
	logx.Errorf("authgate: %s failed, rejecting request: %v", step, err)
	return apperr.Wrap(apperr.CodeUnavailable, "authorization temporarily unavailable", err)
}

// Issue mints a credential for identityID. The identity must exist; its
// whitelist flag is not consulted because it is checked on every use.
func (g *Gate) Issue(ctx context.Context, identityID string) (string, *token.Claims, error) {
	if identityID == "" {
		return "", nil, errMissingUser
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	ident, err := g.db.GetIdentity(ctx, identityID)
	if err != nil {
		return "", nil, unavailable("identity lookup", err)
	}
	if ident == nil {
		return "", nil, errNoUser
	}
	return g.issue(ident.ID, ident.GitHubUserID)
}

func (g *Gate) issue(subject string, githubUserID int64) (string, *token.Claims, error) {
	raw, claims, err := g.issuer.Issue(subject, githubUserID)
	if err != nil {
		return "", nil, apperr.Wrap(apperr.CodeInternal, "issue token", err)
	}
	logx.Debugf("authgate: issued jti=%s sub=%s exp=%s", claims.TokenID, subject, claims.ExpiresAt.Format(time.RFC3339))
	return raw, claims, nil
}

// verify maps verifier outcomes to typed errors. Expired claims are returned
// alongside errExpired.
func (g *Gate) verify(raw string) (*token.Claims, error) {
	if raw == "" {
		return nil, apperr.New(apperr.CodeMissingToken, "token is required")
	}
	claims, err := g.issuer.Verify(raw)
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, token.ErrExpired):
		return claims, errExpired
	default:
		return nil, errInvalid
	}
}

func (g *Gate) checkRevoked(ctx context.Context, jti string) error {
	revoked, err := g.revocations.IsRevoked(ctx, jti)
	if err != nil {
		return unavailable("revocation check", err)
	}
	if revoked {
		return errRevoked
	}
	return nil
}

func (g *Gate) checkWhitelist(ctx context.Context, identityID string) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	whitelisted, found, err := g.db.GetWhitelistStatus(ctx, identityID)
	if err != nil {
		return unavailable("whitelist read", err)
	}
	if !found {
		return errNoUser
	}
	if !whitelisted {
		return errNotListed
	}
	return nil
}

// Authorize admits raw only if it verifies, is not revoked, and its owner is
// currently whitelisted.
func (g *Gate) Authorize(ctx context.Context, raw string) (*Principal, error) {
	claims, err := g.VerifyWithoutWhitelist(ctx, raw)
	if err != nil {
		return nil, err
	}
	if err := g.checkWhitelist(ctx, claims.SubjectID); err != nil {
		return nil, err
	}
	return claims, nil
}

// VerifyWithoutWhitelist checks signature, expiry and revocation only. It is
// for endpoints an unwhitelisted identity must still reach, such as its own
// access status.
func (g *Gate) VerifyWithoutWhitelist(ctx context.Context, raw string) (*Principal, error) {
	claims, err := g.verify(raw)
	if err != nil {
		return nil, err
	}
	if err := g.checkRevoked(ctx, claims.TokenID); err != nil {
		return nil, err
	}
	return principalOf(claims), nil
}

// Refresh exchanges raw for a new credential with a fresh token id.
//
// The presented credential must verify (expiry aside), must not be revoked,
// and its owner must still be whitelisted. Only then is expiry checked,
// allowing Config.RefreshGrace past the expiry. The presented credential is
// not revoked by a refresh; both stay valid until they expire or are revoked.
func (g *Gate) Refresh(ctx context.Context, raw string) (string, *token.Claims, error) {
	claims, verr := g.verify(raw)
	if claims == nil {
		return "", nil, verr
	}
	if err := g.checkRevoked(ctx, claims.TokenID); err != nil {
		return "", nil, err
	}
	if err := g.checkWhitelist(ctx, claims.Subject); err != nil {
		return "", nil, err
	}
	if verr != nil {
		skew := g.issuer.Config().ClockSkew
		if g.clock.Now().After(claims.ExpiresAt.Add(skew + g.cfg.RefreshGrace)) {
			return "", nil, errExpired
		}
	}

	newRaw, newClaims, err := g.issue(claims.Subject, claims.GitHubUserID)
	if err != nil {
		return "", nil, err
	}
	logx.Infof("authgate: refreshed jti=%s -> %s for sub=%s", claims.TokenID, newClaims.TokenID, claims.Subject)
	return newRaw, newClaims, nil
}

// Revoke adds raw's token id to the revocation list. Expired credentials may
// be revoked; a credential that fails signature checks may not.
func (g *Gate) Revoke(ctx context.Context, raw, actor, reason string) (revocation.Outcome, *token.Claims, error) {
	claims, _ := g.verify(raw)
	if claims == nil {
		if raw == "" {
			return 0, nil, apperr.New(apperr.CodeMissingToken, "token is required")
		}
		return 0, nil, errInvalid
	}
	if actor == "" {
		actor = claims.Subject
	}

	out, err := g.revocations.Revoke(ctx, revocation.Request{
		TokenID:    claims.TokenID,
		IdentityID: claims.Subject,
		IssuedAt:   claims.IssuedAt,
		ExpiresAt:  claims.ExpiresAt,
		RevokedBy:  actor,
		Reason:     reason,
	})
	if err != nil {
		return 0, nil, apperr.Wrap(apperr.CodeInternal, "revoke token", err)
	}
	return out, claims, nil
}
