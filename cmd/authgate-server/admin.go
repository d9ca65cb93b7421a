package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/aspect-build/authgate/internal/broker"
	"github.com/aspect-build/authgate/internal/crypto"
	"github.com/aspect-build/authgate/internal/keyrotation"
	"github.com/aspect-build/authgate/internal/logx"
	"github.com/aspect-build/authgate/internal/rekey"
	"github.com/aspect-build/authgate/internal/revocation"
	"github.com/aspect-build/authgate/internal/server"
	"github.com/aspect-build/authgate/internal/server/db"
	"github.com/juju/clock"
	"github.com/spf13/cobra"
)

// withStore runs fn against the configured datastore.
func withStore(fn func(cfg *server.Config, store *db.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cfg, store)
}

// ── keys ────────────────────────────────────────────────────────────

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect and record key rotations",
	}
	cmd.AddCommand(newKeysStatusCmd(), newKeysRecordCmd(), newKeysReencryptCmd())
	return cmd
}

func newKeysStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report rotation urgency for every tracked key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(cfg *server.Config, store *db.Store) error {
				tracker := keyrotation.NewTracker(store, clock.WallClock, cfg.Rotation, cfg.DBTimeout)
				report, err := tracker.Report(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd, report)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "KEY\tTYPE\tLAST ROTATED\tINTERVAL\tDUE IN\tURGENCY")
				for _, s := range report {
					due := "-"
					if s.Urgency != keyrotation.UrgencyDisabled {
						due = fmt.Sprintf("%dd", s.DaysUntilDue)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%dd\t%s\t%s\n",
						s.KeyID, s.KeyType, s.LastRotatedAt.Format(time.DateOnly), s.IntervalDays, due, s.Urgency)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func parseKeyType(keyID, flag string) (keyrotation.KeyType, error) {
	if flag == "" {
		switch {
		case keyID == keyrotation.SigningKeyID:
			return keyrotation.KeyTypeSigning, nil
		case keyID == keyrotation.EncryptionKeyID:
			return keyrotation.KeyTypeEncryption, nil
		case strings.HasPrefix(keyID, keyrotation.ServiceKeyID("")):
			return keyrotation.KeyTypeAPIKey, nil
		}
		return "", fmt.Errorf("--type is required for key %q", keyID)
	}
	switch kt := keyrotation.KeyType(flag); kt {
	case keyrotation.KeyTypeSigning, keyrotation.KeyTypeEncryption, keyrotation.KeyTypeAPIKey:
		return kt, nil
	}
	return "", fmt.Errorf("unknown key type %q (signing|encryption|api_key)", flag)
}

func newKeysRecordCmd() *cobra.Command {
	var (
		keyType      string
		intervalDays int
		metadata     string
	)
	cmd := &cobra.Command{
		Use:   "record <key-id>",
		Short: "Record that a key was rotated now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kt, err := parseKeyType(args[0], keyType)
			if err != nil {
				return err
			}
			return withStore(func(cfg *server.Config, store *db.Store) error {
				tracker := keyrotation.NewTracker(store, clock.WallClock, cfg.Rotation, cfg.DBTimeout)
				st, err := tracker.RecordRotation(cmd.Context(), args[0], kt, intervalDays, metadata)
				if err != nil {
					return err
				}
				return printJSON(cmd, st)
			})
		},
	}
	cmd.Flags().StringVar(&keyType, "type", "", "Key type: signing|encryption|api_key (inferred for well-known ids)")
	cmd.Flags().IntVar(&intervalDays, "interval-days", -1, "Rotation interval in days (negative uses the policy default, 0 disables)")
	cmd.Flags().StringVar(&metadata, "metadata", "", "Free-form note stored with the rotation")
	return cmd
}

func newKeysReencryptCmd() *cobra.Command {
	var (
		oldKeyEnv string
		newKeyEnv string
		batchSize int
		cursor    string
	)
	cmd := &cobra.Command{
		Use:   "reencrypt",
		Short: "Re-encrypt stored third-party tokens under a new master key",
		Long: `Walk every identity with stored tokens and re-seal each envelope from the
old master key to the new one. Each batch commits on its own; rerun with
--cursor to resume after an interruption. Envelopes already sealed under the
new key are left alone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			oldKey, newKey := os.Getenv(oldKeyEnv), os.Getenv(newKeyEnv)
			if oldKey == "" || newKey == "" {
				return fmt.Errorf("both %s and %s must be set", oldKeyEnv, newKeyEnv)
			}
			logx.RegisterSecrets(oldKey, newKey)
			return withStore(func(cfg *server.Config, store *db.Store) error {
				job := &rekey.Job{
					Store:     store,
					OldKey:    []byte(oldKey),
					NewKey:    []byte(newKey),
					BatchSize: batchSize,
					Tracker:   keyrotation.NewTracker(store, clock.WallClock, cfg.Rotation, cfg.DBTimeout),
					OnBatch: func(r rekey.Result) {
						logx.Infof("reencrypt: scanned=%d migrated=%d cursor=%s", r.Scanned, r.Migrated, r.Cursor)
					},
				}
				res, err := job.Run(cmd.Context(), cursor)
				if err != nil {
					if res.Cursor != "" {
						fmt.Fprintf(cmd.ErrOrStderr(), "resume with --cursor %s\n", res.Cursor)
					}
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().StringVar(&oldKeyEnv, "old-key-env", "AUTHGATE_OLD_MASTER_KEY", "Environment variable holding the outgoing master key")
	cmd.Flags().StringVar(&newKeyEnv, "new-key-env", "AUTHGATE_NEW_MASTER_KEY", "Environment variable holding the incoming master key")
	cmd.Flags().IntVar(&batchSize, "batch-size", rekey.DefaultBatchSize, "Identities per committed batch")
	cmd.Flags().StringVar(&cursor, "cursor", "", "Resume after this identity id")
	return cmd
}

// ── revocations ─────────────────────────────────────────────────────

func newRevocationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revocations",
		Short: "Maintain the revocation store",
	}

	var retentionDays int
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete revocation records whose credentials expired before the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(cfg *server.Config, store *db.Store) error {
				days := cfg.RevocationRetentionDays
				if cmd.Flags().Changed("retention-days") {
					days = retentionDays
				}
				n, err := revocation.New(store, clock.WallClock, cfg.DBTimeout).Cleanup(cmd.Context(), days)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d revocation records\n", n)
				return nil
			})
		},
	}
	cleanup.Flags().IntVar(&retentionDays, "retention-days", revocation.DefaultRetentionDays, "Keep records this many days past credential expiry")
	cmd.AddCommand(cleanup)
	return cmd
}

// ── services ────────────────────────────────────────────────────────

func newServicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "services",
		Short: "Manage services allowed to fetch third-party tokens",
	}

	withBroker := func(fn func(b *broker.Broker) error) error {
		return withStore(func(cfg *server.Config, store *db.Store) error {
			enc, err := crypto.NewEncryptor(cfg.MasterKey)
			if err != nil {
				return err
			}
			tracker := keyrotation.NewTracker(store, clock.WallClock, cfg.Rotation, cfg.DBTimeout)
			return fn(broker.New(store, enc, nil, tracker, clock.WallClock, broker.Config{Timeout: cfg.DBTimeout}))
		})
	}

	var description string
	register := &cobra.Command{
		Use:   "register <service-id>",
		Short: "Register a service and print its API key (shown once)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(func(b *broker.Broker) error {
				issued, err := b.RegisterService(cmd.Context(), args[0], description)
				if err != nil {
					return err
				}
				return printJSON(cmd, issued)
			})
		},
	}
	register.Flags().StringVar(&description, "description", "", "Human-readable description")

	rotate := &cobra.Command{
		Use:   "rotate <service-id>",
		Short: "Issue a new API key; the old one stops working immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(func(b *broker.Broker) error {
				issued, err := b.RotateServiceKey(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, issued)
			})
		},
	}

	deactivate := &cobra.Command{
		Use:   "deactivate <service-id>",
		Short: "Disable a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(func(b *broker.Broker) error {
				if err := b.DeactivateService(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "service %s deactivated\n", args[0])
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(func(b *broker.Broker) error {
				services, err := b.ListServices(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SERVICE\tACTIVE\tLAST USED\tDESCRIPTION")
				for _, s := range services {
					last := "never"
					if s.LastUsedAt != nil {
						last = s.LastUsedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", s.ServiceID, s.Active, last, s.Description)
				}
				return w.Flush()
			})
		},
	}

	cmd.AddCommand(register, rotate, deactivate, list)
	return cmd
}
