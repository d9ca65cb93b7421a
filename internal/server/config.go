package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aspect-build/authgate/internal/crypto"
	"github.com/aspect-build/authgate/internal/keyrotation"
	"github.com/aspect-build/authgate/internal/server/db"
)

// Config holds server configuration loaded from environment variables.
type Config struct {
	MasterKey  string
	AdminToken string
	DBDriver   string
	DBDSN      string
	ListenAddr string
	BaseURL    string

	SigningKeyFile string
	TokenIssuer    string
	TokenAudience  string
	TokenTTL       time.Duration
	ClockSkew      time.Duration
	RefreshGrace   time.Duration

	DBTimeout               time.Duration
	ProviderTimeout         time.Duration
	BrokerRefreshThreshold  time.Duration
	RevocationRetentionDays int

	GitHubClientID     string
	GitHubClientSecret string
	GitHubScopes       []string

	Rotation keyrotation.Policy

	CORSOrigins []string
}

// GitHubEnabled reports whether the GitHub OAuth app is configured.
func (c *Config) GitHubEnabled() bool {
	return c.GitHubClientID != "" && c.GitHubClientSecret != ""
}

// Secrets returns configured values that must never be logged.
func (c *Config) Secrets() []string {
	return []string{c.MasterKey, c.AdminToken, c.GitHubClientSecret}
}

func envOr(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func envDuration(name string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", name, v)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", name)
	}
	return d, nil
}

func envInt(name string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func splitList(v string, sep string) []string {
	var out []string
	for _, s := range strings.Split(v, sep) {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// LoadConfig loads server configuration from environment variables.
func LoadConfig() (*Config, error) {
	masterKey := os.Getenv("AUTHGATE_MASTER_KEY")
	if masterKey == "" {
		return nil, fmt.Errorf("AUTHGATE_MASTER_KEY is required")
	}
	if len(masterKey) < crypto.MinMasterKeyLen {
		return nil, fmt.Errorf("AUTHGATE_MASTER_KEY must be at least %d characters", crypto.MinMasterKeyLen)
	}

	adminToken := os.Getenv("AUTHGATE_ADMIN_TOKEN")
	if adminToken == "" {
		return nil, fmt.Errorf("AUTHGATE_ADMIN_TOKEN is required")
	}
	if len(adminToken) < 16 {
		return nil, fmt.Errorf("AUTHGATE_ADMIN_TOKEN must be at least 16 characters")
	}

	cfg := &Config{
		MasterKey:          masterKey,
		AdminToken:         adminToken,
		DBDriver:           envOr("AUTHGATE_DB_DRIVER", db.DriverSQLite),
		DBDSN:              envOr("AUTHGATE_DB_DSN", "authgate.db"),
		ListenAddr:         envOr("AUTHGATE_LISTEN_ADDR", ":8080"),
		SigningKeyFile:     os.Getenv("AUTHGATE_SIGNING_KEY_FILE"),
		TokenIssuer:        envOr("AUTHGATE_TOKEN_ISSUER", "authgate"),
		TokenAudience:      envOr("AUTHGATE_TOKEN_AUDIENCE", "authgate-clients"),
		GitHubClientID:     os.Getenv("AUTHGATE_GITHUB_CLIENT_ID"),
		GitHubClientSecret: os.Getenv("AUTHGATE_GITHUB_CLIENT_SECRET"),
		GitHubScopes:       splitList(envOr("AUTHGATE_GITHUB_SCOPES", "read:user"), ","),
		CORSOrigins:        splitList(os.Getenv("AUTHGATE_CORS_ORIGINS"), ","),
	}

	switch cfg.DBDriver {
	case db.DriverSQLite, db.DriverPostgres:
	default:
		return nil, fmt.Errorf("AUTHGATE_DB_DRIVER must be %q or %q", db.DriverSQLite, db.DriverPostgres)
	}

	cfg.BaseURL = strings.TrimRight(envOr("AUTHGATE_BASE_URL", "http://localhost"+cfg.ListenAddr), "/")

	var err error
	durations := []struct {
		name string
		def  time.Duration
		dst  *time.Duration
	}{
		{"AUTHGATE_TOKEN_TTL", 30 * 24 * time.Hour, &cfg.TokenTTL},
		{"AUTHGATE_CLOCK_SKEW", 60 * time.Second, &cfg.ClockSkew},
		{"AUTHGATE_REFRESH_GRACE", 7 * 24 * time.Hour, &cfg.RefreshGrace},
		{"AUTHGATE_DB_TIMEOUT", 3 * time.Second, &cfg.DBTimeout},
		{"AUTHGATE_PROVIDER_TIMEOUT", 10 * time.Second, &cfg.ProviderTimeout},
		{"AUTHGATE_BROKER_REFRESH_THRESHOLD", time.Hour, &cfg.BrokerRefreshThreshold},
	}
	for _, d := range durations {
		if *d.dst, err = envDuration(d.name, d.def); err != nil {
			return nil, err
		}
	}
	if cfg.TokenTTL == 0 {
		return nil, fmt.Errorf("AUTHGATE_TOKEN_TTL must be positive")
	}

	def := keyrotation.DefaultPolicy()
	ints := []struct {
		name string
		def  int
		dst  *int
	}{
		{"AUTHGATE_REVOCATION_RETENTION_DAYS", 7, &cfg.RevocationRetentionDays},
		{"AUTHGATE_ROTATION_SIGNING_DAYS", def.SigningDays, &cfg.Rotation.SigningDays},
		{"AUTHGATE_ROTATION_ENCRYPTION_DAYS", def.EncryptionDays, &cfg.Rotation.EncryptionDays},
		{"AUTHGATE_ROTATION_API_KEY_DAYS", def.APIKeyDays, &cfg.Rotation.APIKeyDays},
	}
	for _, n := range ints {
		if *n.dst, err = envInt(n.name, n.def); err != nil {
			return nil, err
		}
	}

	if cfg.RevocationRetentionDays < 1 {
		return nil, fmt.Errorf("AUTHGATE_REVOCATION_RETENTION_DAYS must be at least 1")
	}

	if (cfg.GitHubClientID == "") != (cfg.GitHubClientSecret == "") {
		return nil, fmt.Errorf("AUTHGATE_GITHUB_CLIENT_ID and AUTHGATE_GITHUB_CLIENT_SECRET must be set together")
	}

	return cfg, nil
}
