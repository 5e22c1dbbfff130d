package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/claimsedi/internal/config"
	"github.com/ehr/claimsedi/internal/platform/db"
	"github.com/ehr/claimsedi/internal/platform/secrets"
	"github.com/ehr/claimsedi/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "edi-server",
		Short: "Dental claim EDI submission server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(testConnectionCmd())
	rootCmd.AddCommand(encodeCmd())
	rootCmd.AddCommand(secretsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	if os.Getenv("ENV") == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the EDI API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			practice, _ := cmd.Flags().GetString("practice")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			if practice == "" {
				practice = cfg.DefaultPractice
			}
			migrator := db.NewMigrator(pool, migrations.Files, newLogger())
			fmt.Printf("Running migrations for practice: %s\n", practice)

			count, err := migrator.Up(ctx, practice)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("practice", "", "Practice whose schema is migrated (defaults to DEFAULT_PRACTICE)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			practice, _ := cmd.Flags().GetString("practice")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			if practice == "" {
				practice = cfg.DefaultPractice
			}
			migrator := db.NewMigrator(pool, migrations.Files, newLogger())
			statuses, err := migrator.Status(ctx, practice)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for practice: %s\n", practice)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("practice", "", "Practice whose schema is inspected (defaults to DEFAULT_PRACTICE)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a claim to its payer",
		RunE: func(cmd *cobra.Command, args []string) error {
			claimID, err := uuidFlag(cmd, "claim")
			if err != nil {
				return err
			}
			practice, _ := cmd.Flags().GetString("practice")

			return withApp(practice, func(ctx context.Context, a *app) error {
				res := a.svc.Submit(ctx, claimID)
				if err := writeJSON(os.Stdout, res); err != nil {
					return err
				}
				if !res.Success {
					return fmt.Errorf("submission failed (%s): %s", res.FailureKind, res.ErrorMessage)
				}
				return nil
			})
		},
	}
	cmd.Flags().String("claim", "", "Claim id")
	cmd.Flags().String("practice", "", "Practice owning the claim (defaults to DEFAULT_PRACTICE)")
	return cmd
}

func testConnectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test-connection",
		Short: "Probe a payer's configured channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			payerID, err := uuidFlag(cmd, "payer")
			if err != nil {
				return err
			}
			practice, _ := cmd.Flags().GetString("practice")

			return withApp(practice, func(ctx context.Context, a *app) error {
				if !a.svc.TestConnection(ctx, payerID) {
					return fmt.Errorf("payer %s is not reachable", payerID)
				}
				fmt.Printf("Payer %s is reachable.\n", payerID)
				return nil
			})
		},
	}
	cmd.Flags().String("payer", "", "Insurance plan id")
	cmd.Flags().String("practice", "", "Practice owning the payer (defaults to DEFAULT_PRACTICE)")
	return cmd
}

func encodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Print the 837D document for a claim without sending it",
		RunE: func(cmd *cobra.Command, args []string) error {
			claimID, err := uuidFlag(cmd, "claim")
			if err != nil {
				return err
			}
			practice, _ := cmd.Flags().GetString("practice")
			verify, _ := cmd.Flags().GetBool("verify")

			return withApp(practice, func(ctx context.Context, a *app) error {
				doc, err := a.svc.Preview(ctx, claimID)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprint(os.Stdout, doc); err != nil {
					return err
				}
				if verify {
					return verifyDocument(os.Stderr, doc, a.countMode)
				}
				return nil
			})
		},
	}
	cmd.Flags().String("claim", "", "Claim id")
	cmd.Flags().Bool("verify", false, "Re-parse the document and report its envelope and segment counts on stderr")
	cmd.Flags().String("practice", "", "Practice owning the claim (defaults to DEFAULT_PRACTICE)")
	return cmd
}

func secretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage payer credential blobs",
	}

	encryptCmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a payer credential with EDI_SECRET_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			value, _ := cmd.Flags().GetString("value")
			if value == "" {
				return fmt.Errorf("--value is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			cipher, err := secrets.NewCipher(cfg.EDISecretKey, newLogger())
			if err != nil {
				return err
			}
			blob, err := cipher.Encrypt(value)
			if err != nil {
				return err
			}
			fmt.Println(blob)
			return nil
		},
	}
	encryptCmd.Flags().String("value", "", "Plaintext credential")
	cmd.AddCommand(encryptCmd)

	return cmd
}

func uuidFlag(cmd *cobra.Command, name string) (uuid.UUID, error) {
	v, _ := cmd.Flags().GetString(name)
	if v == "" {
		return uuid.Nil, fmt.Errorf("--%s is required", name)
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("--%s: invalid id %q", name, v)
	}
	return id, nil
}

// withApp loads configuration, wires the service and runs fn inside a
// connection scoped to the practice schema.
func withApp(practice string, fn func(ctx context.Context, a *app) error) error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return err
	}
	defer pool.Close()

	a, err := newApp(cfg, pool, logger)
	if err != nil {
		return err
	}

	if practice == "" {
		practice = cfg.DefaultPractice
	}
	ctx, release, err := db.WithPractice(ctx, pool, practice)
	if err != nil {
		return err
	}
	defer release()

	return fn(ctx, a)
}
