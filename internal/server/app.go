package server

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/aspect-build/authgate/internal/authgate"
	"github.com/aspect-build/authgate/internal/broker"
	"github.com/aspect-build/authgate/internal/crypto"
	"github.com/aspect-build/authgate/internal/keyrotation"
	"github.com/aspect-build/authgate/internal/logx"
	"github.com/aspect-build/authgate/internal/revocation"
	"github.com/aspect-build/authgate/internal/server/db"
	"github.com/aspect-build/authgate/internal/server/handler"
	"github.com/aspect-build/authgate/internal/token"
	"github.com/juju/clock"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

const healthCacheTTL = 5 * time.Second

// App bundles the components behind the HTTP surface.
type App struct {
	Config      *Config
	Store       *db.Store
	Clock       clock.Clock
	Key         *token.KeyPair
	Encryptor   *crypto.Encryptor
	Issuer      *token.Issuer
	Revocations *revocation.Store
	Tracker     *keyrotation.Tracker
	Gate        *authgate.Gate
	Broker      *broker.Broker
	Health      *handler.HealthCache
	// Login is nil when no GitHub OAuth app is configured.
	Login *handler.GitHubLogin
}

// Options override the defaults NewApp derives from the configuration.
type Options struct {
	Clock clock.Clock
	// Key replaces the key loaded from Config.SigningKeyFile.
	Key *token.KeyPair
	// Refresher replaces the GitHub OAuth2 refresher, which is only built when
	// a GitHub OAuth app is configured.
	Refresher broker.Refresher
	// OAuthEndpoint replaces the GitHub OAuth endpoint.
	OAuthEndpoint *oauth2.Endpoint
	// GitHubAPIURL replaces https://api.github.com/.
	GitHubAPIURL string
}

func (c *Config) oauthConfig(endpoint oauth2.Endpoint) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.GitHubClientID,
		ClientSecret: c.GitHubClientSecret,
		Endpoint:     endpoint,
		RedirectURL:  c.BaseURL + "/auth/github/callback",
		Scopes:       c.GitHubScopes,
	}
}

// NewApp wires every component over store.
func NewApp(cfg *Config, store *db.Store, opts Options) (*App, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	key := opts.Key
	if key == nil {
		k, ephemeral, err := token.LoadOrGenerateKey(cfg.SigningKeyFile)
		if err != nil {
			return nil, fmt.Errorf("signing key: %w", err)
		}
		if ephemeral {
			logx.Warnf("no signing key file configured; credentials will not survive a restart")
		}
		key = k
	}

	enc, err := crypto.NewEncryptor(cfg.MasterKey)
	if err != nil {
		return nil, err
	}

	issuer, err := token.NewIssuer(key, token.Config{
		Issuer:    cfg.TokenIssuer,
		Audience:  cfg.TokenAudience,
		TTL:       cfg.TokenTTL,
		ClockSkew: cfg.ClockSkew,
	}, clk)
	if err != nil {
		return nil, err
	}

	revs := revocation.New(store, clk, cfg.DBTimeout)
	tracker := keyrotation.NewTracker(store, clk, cfg.Rotation, cfg.DBTimeout)
	gate := authgate.New(issuer, revs, store, clk, authgate.Config{
		RefreshGrace: cfg.RefreshGrace,
		Timeout:      cfg.DBTimeout,
	})

	endpoint := github.Endpoint
	if opts.OAuthEndpoint != nil {
		endpoint = *opts.OAuthEndpoint
	}
	oauthCfg := cfg.oauthConfig(endpoint)

	refresher := opts.Refresher
	if refresher == nil && cfg.GitHubEnabled() {
		refresher = &broker.OAuth2Refresher{Config: oauthCfg}
	}
	brk := broker.New(store, enc, refresher, tracker, clk, broker.Config{
		RefreshThreshold: cfg.BrokerRefreshThreshold,
		Timeout:          cfg.DBTimeout,
		ProviderTimeout:  cfg.ProviderTimeout,
	})

	app := &App{
		Config:      cfg,
		Store:       store,
		Clock:       clk,
		Key:         key,
		Encryptor:   enc,
		Issuer:      issuer,
		Revocations: revs,
		Tracker:     tracker,
		Gate:        gate,
		Broker:      brk,
		Health:      handler.NewHealthCache(store.Ping, healthCacheTTL, cfg.DBTimeout, clk),
	}

	if cfg.GitHubEnabled() {
		stateKey := sha256.Sum256([]byte("authgate-oauth-state:" + cfg.MasterKey))
		app.Login = &handler.GitHubLogin{
			OAuth:           oauthCfg,
			Store:           store,
			Enc:             enc,
			Gate:            gate,
			StateKey:        stateKey[:],
			Clock:           clk,
			APIBaseURL:      opts.GitHubAPIURL,
			ProviderTimeout: cfg.ProviderTimeout,
			DBTimeout:       cfg.DBTimeout,
		}
	}
	return app, nil
}

// Startup seeds rotation tracking and reports keys that need attention.
func (a *App) Startup(ctx context.Context) error {
	if err := a.Tracker.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap key rotation: %w", err)
	}
	a.Tracker.CheckOnStartup(ctx)
	return nil
}

// RunMaintenance purges revocation records past their retention window once
// per interval until ctx is done.
func (a *App) RunMaintenance(ctx context.Context, interval time.Duration) {
	for {
		n, err := a.Revocations.Cleanup(ctx, a.Config.RevocationRetentionDays)
		if err != nil {
			logx.Warnf("revocation cleanup: %v", err)
		} else if n > 0 {
			logx.Infof("revocation cleanup: removed %d expired records", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-a.Clock.After(interval):
		}
	}
}
