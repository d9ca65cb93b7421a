package handler

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aspect-build/authgate/internal/apperr"
	"github.com/aspect-build/authgate/internal/authgate"
	"github.com/aspect-build/authgate/internal/crypto"
	"github.com/aspect-build/authgate/internal/logx"
	"github.com/aspect-build/authgate/internal/server/db"
	"github.com/gin-gonic/gin"
	"github.com/google/go-github/v74/github"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"golang.org/x/oauth2"
)

const oauthStateMaxAge = 10 * time.Minute

// GitHubLogin holds what the login and callback handlers need.
type GitHubLogin struct {
	OAuth    *oauth2.Config
	Store    *db.Store
	Enc      *crypto.Encryptor
	Gate     *authgate.Gate
	StateKey []byte
	Clock    clock.Clock
	// APIBaseURL overrides the GitHub REST endpoint. Empty means api.github.com.
	APIBaseURL string
	// ProviderTimeout bounds the code exchange and user lookup.
	ProviderTimeout time.Duration
	// DBTimeout bounds the identity upsert.
	DBTimeout time.Duration
}

// makeOAuthState produces an HMAC-signed state: "nonce:timestamp_hex:hmac_hex".
func makeOAuthState(key []byte, now time.Time) (string, error) {
	var nb [12]byte
	if _, err := rand.Read(nb[:]); err != nil {
		return "", err
	}
	nonce := hex.EncodeToString(nb[:])
	ts := strconv.FormatInt(now.Unix(), 16)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(nonce + ":" + ts))
	return nonce + ":" + ts + ":" + hex.EncodeToString(mac.Sum(nil)), nil
}

// verifyOAuthState checks the signature and age of a state produced by
// makeOAuthState.
func verifyOAuthState(state string, key []byte, now time.Time) error {
	parts := strings.SplitN(state, ":", 3)
	if len(parts) != 3 {
		return fmt.Errorf("malformed state")
	}
	nonce, tsHex, sigHex := parts[0], parts[1], parts[2]

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(nonce + ":" + tsHex))
	expectedSig := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sigHex), []byte(expectedSig)) {
		return fmt.Errorf("invalid state signature")
	}

	tsUnix, err := strconv.ParseInt(tsHex, 16, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp in state")
	}
	if now.Sub(time.Unix(tsUnix, 0)) > oauthStateMaxAge {
		return fmt.Errorf("state expired")
	}
	return nil
}

func (g *GitHubLogin) now() time.Time {
	if g.Clock == nil {
		return time.Now()
	}
	return g.Clock.Now()
}

// HandleLogin handles GET /auth/github/login.
func (g *GitHubLogin) HandleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		state, err := makeOAuthState(g.StateKey, g.now())
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.Redirect(http.StatusFound, g.OAuth.AuthCodeURL(state, oauth2.AccessTypeOffline))
	}
}

func (g *GitHubLogin) client(ctx context.Context, tok *oauth2.Token) (*github.Client, error) {
	gh := github.NewClient(g.OAuth.Client(ctx, tok))
	if g.APIBaseURL != "" {
		u, err := url.Parse(strings.TrimRight(g.APIBaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parse GitHub API URL: %w", err)
		}
		gh.BaseURL = u
	}
	return gh, nil
}

// HandleCallback handles GET /auth/github/callback. It exchanges the code,
// upserts the identity with its encrypted GitHub tokens, and returns a
// gateway credential. New identities start unwhitelisted.
func (g *GitHubLogin) HandleCallback() gin.HandlerFunc {
	return func(c *gin.Context) {
		code := c.Query("code")
		state := c.Query("state")
		if code == "" || state == "" {
			apperr.Respond(c, apperr.New(apperr.CodeInvalidRequest, "missing code or state"))
			return
		}
		if err := verifyOAuthState(state, g.StateKey, g.now()); err != nil {
			apperr.Respond(c, apperr.New(apperr.CodeInvalidRequest, "invalid or expired OAuth state: "+err.Error()))
			return
		}

		timeout := g.ProviderTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		tok, err := g.OAuth.Exchange(ctx, code)
		if err != nil {
			logx.Warnf("github callback: code exchange failed: %v", err)
			apperr.Respond(c, apperr.Wrap(apperr.CodeUnauthorized, "code exchange failed", err))
			return
		}

		gh, err := g.client(ctx, tok)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		user, _, err := gh.Users.Get(ctx, "")
		if err != nil {
			logx.Warnf("github callback: user lookup failed: %v", err)
			apperr.Respond(c, apperr.Wrap(apperr.CodeUnavailable, "GitHub user lookup failed", err))
			return
		}
		if user.GetID() <= 0 {
			apperr.Respond(c, apperr.New(apperr.CodeUnavailable, "GitHub returned no user id"))
			return
		}

		accessEnc, err := g.Enc.Encrypt(tok.AccessToken)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		var refreshEnc string
		if tok.RefreshToken != "" {
			if refreshEnc, err = g.Enc.Encrypt(tok.RefreshToken); err != nil {
				apperr.Respond(c, err)
				return
			}
		}
		var expiresAt *time.Time
		if !tok.Expiry.IsZero() {
			e := tok.Expiry.UTC()
			expiresAt = &e
		}

		dbctx, dbcancel := withDBTimeout(ctx, g.DBTimeout)
		defer dbcancel()
		ident, err := g.Store.UpsertIdentityOnLogin(dbctx, &db.Identity{
			ID:                    uuid.NewString(),
			GitHubUserID:          user.GetID(),
			GitHubLogin:           user.GetLogin(),
			AccessTokenEncrypted:  accessEnc,
			RefreshTokenEncrypted: refreshEnc,
			TokenExpiresAt:        expiresAt,
		}, g.now())
		if err != nil {
			logx.Errorf("github callback: upsert identity %d: %v", user.GetID(), err)
			apperr.Respond(c, err)
			return
		}

		raw, claims, err := g.Gate.Issue(ctx, ident.ID)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		logx.Infof("github callback: login for %s (%s), whitelisted=%t", ident.ID, ident.GitHubLogin, ident.Whitelisted)
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, gin.H{
			"token": newTokenResponse(raw, claims),
			"user": gin.H{
				"userId":       ident.ID,
				"githubUserId": ident.GitHubUserID,
				"githubLogin":  ident.GitHubLogin,
				"whitelisted":  ident.Whitelisted,
			},
		})
	}
}
