package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aspect-build/authgate/internal/logx"
	"github.com/aspect-build/authgate/internal/server"
	"github.com/aspect-build/authgate/internal/server/db"
	"github.com/aspect-build/authgate/internal/version"
	"github.com/spf13/cobra"
)

const binaryName = "authgate-server"

const envHelp = `Environment variables:
  AUTHGATE_MASTER_KEY            Master secret for stored third-party tokens (min 32 chars, required)
  AUTHGATE_ADMIN_TOKEN           Admin Bearer token for management APIs (min 16 chars, required)
  AUTHGATE_DB_DRIVER             sqlite or postgres (default: sqlite)
  AUTHGATE_DB_DSN                SQLite path or Postgres DSN (default: authgate.db)
  AUTHGATE_LISTEN_ADDR           Listen address (default: :8080)
  AUTHGATE_BASE_URL              Public base URL for OAuth callbacks (default: http://localhost<addr>)
  AUTHGATE_SIGNING_KEY_FILE      PEM RSA private key (default: ephemeral key)
  AUTHGATE_TOKEN_TTL             Credential validity window (default: 720h)
  AUTHGATE_REFRESH_GRACE         Refresh window after expiry, 0 for strict (default: 168h)
  AUTHGATE_GITHUB_CLIENT_ID      GitHub OAuth app client id (optional)
  AUTHGATE_GITHUB_CLIENT_SECRET  GitHub OAuth app client secret (optional)
  AUTHGATE_LOG_LEVEL             debug|info|warn|error (default: info)
`

func main() {
	var (
		logLevel string
		verbose  bool
	)

	rootCmd := &cobra.Command{
		Use:           binaryName,
		Short:         "authgate issues, verifies and revokes gateway credentials and brokers GitHub tokens",
		Long:          "authgate issues, verifies and revokes gateway credentials and brokers GitHub tokens.\n\n" + envHelp,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logx.Configure(logLevel, verbose)
		},
	}
	rootCmd.SetVersionTemplate(version.String(binaryName) + "\n")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug|info|warn|error (or "+logx.EnvLevel+")")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose debug logs (same as --log-level debug)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newKeysCmd())
	rootCmd.AddCommand(newRevocationsCmd())
	rootCmd.AddCommand(newServicesCmd())
	rootCmd.AddCommand(newVersionCmd())

	err := rootCmd.Execute()
	logx.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", binaryName, err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and registers every configured secret
// with the log redactor.
func loadConfig() (*server.Config, error) {
	cfg, err := server.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logx.RegisterSecrets(cfg.Secrets()...)
	return cfg, nil
}

func openStore(cfg *server.Config) (*db.Store, error) {
	store, err := db.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if asJSON {
				return printJSON(cmd, version.Get(binaryName))
			}
			fmt.Fprintln(cmd.OutOrStdout(), version.String(binaryName))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func newServeCmd() *cobra.Command {
	var cleanupInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			app, err := server.NewApp(cfg, store, server.Options{})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := app.Startup(ctx); err != nil {
				return err
			}
			if cleanupInterval > 0 {
				go app.RunMaintenance(ctx, cleanupInterval)
			}

			srv := &http.Server{
				Addr:              cfg.ListenAddr,
				Handler:           server.NewRouter(app),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logx.Infof("%s listening on %s (db=%s github=%t kid=%s)",
					binaryName, cfg.ListenAddr, cfg.DBDriver, cfg.GitHubEnabled(), app.Key.KeyID)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server error: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			logx.Infof("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().DurationVar(&cleanupInterval, "revocation-cleanup-interval", 24*time.Hour, "How often to purge expired revocation records (0 disables)")
	return cmd
}
