package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/dukerupert/plansync/internal/auth"
	"github.com/dukerupert/plansync/internal/store"
	pstripe "github.com/dukerupert/plansync/internal/stripe"
	"github.com/dukerupert/plansync/internal/subscription"
	"github.com/dukerupert/plansync/internal/wallet"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		db, err := openDB(cfg, logger)
		if err != nil {
			return err
		}
		return db.Close()
	},
}

var sweepBatch int

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire lapsed subscriptions and cancel unpaid checkouts once",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		db, err := openDB(cfg, logger)
		if err != nil {
			return err
		}
		pub, err := openPublisher(cfg, logger)
		if err != nil {
			db.Close()
			return err
		}
		defer func() { err = multierr.Combine(err, pub.Close(), db.Close()) }()

		batch := cfg.SweepBatch
		if sweepBatch > 0 {
			batch = sweepBatch
		}
		sweeper := subscription.NewSweeper(store.NewSubscriptionStore(db), pub, logger, cfg.SweepInterval, batch)
		var sessions subscription.SessionExpirer
		if cfg.StripeSecretKey != "" {
			stripeCfg := pstripe.DefaultConfig()
			stripeCfg.SecretKey = cfg.StripeSecretKey
			sessions = pstripe.NewClient(stripeCfg, logger.With("component", "stripe"))
		}
		sweeper.SetPendingTimeout(cfg.PendingTTL, sessions)

		n, err := sweeper.RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "expired %d subscriptions\n", n)

		n, err = sweeper.CancelStalePending(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cancelled %d unpaid checkouts\n", n)
		return nil
	},
}

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Inspect and retry refund credits the wallet did not accept",
}

var creditsLimit int

var creditsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open credit failures",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		db, err := openDB(cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		failures, err := store.NewCreditFailureStore(db).ListOpen(cmd.Context(), creditsLimit)
		if err != nil {
			return err
		}
		if len(failures) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No open credit failures.")
			return nil
		}
		for _, f := range failures {
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\t%s\tattempts=%d\t%s\n",
				f.ID, f.IdempotencyKey, f.UserID, f.Amount.String(), f.Attempts, f.Reason)
		}
		return nil
	},
}

var creditsRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry open credit failures against the wallet ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		if err := cfg.ValidateLedger(); err != nil {
			return err
		}
		db, err := openDB(cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		svcCfg := subscription.DefaultConfig()
		svcCfg.RefundPlaces = cfg.WalletLedgerPlaces
		ledger := wallet.NewClient(wallet.Config{BaseURL: cfg.WalletLedgerURL, Token: cfg.WalletLedgerToken})
		svc := subscription.NewService(store.NewSubscriptionStore(db), store.NewCreditFailureStore(db),
			ledger, nil, nil, logger, svcCfg)

		n, err := svc.RetryCredits(cmd.Context(), creditsLimit)
		fmt.Fprintf(cmd.OutOrStdout(), "resolved %d credit failures\n", n)
		return err
	},
}

var (
	tokenTTL time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a bearer token for a user (development only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := setup()
		if err != nil {
			return err
		}
		if !cfg.IsDevelopment() {
			return fmt.Errorf("token issuing is only available when PLANSYNC_ENV=development")
		}
		if cfg.JWTSecret == "" {
			return fmt.Errorf("missing required configuration: PLANSYNC_JWT_SECRET")
		}
		token, err := auth.NewTokenVerifier(cfg.JWTSecret).Issue(args[0], tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	sweepCmd.Flags().IntVar(&sweepBatch, "batch", 0, "records per pass (defaults to PLANSYNC_SWEEP_BATCH)")

	creditsListCmd.Flags().IntVar(&creditsLimit, "limit", 100, "maximum failures to load")
	creditsRetryCmd.Flags().IntVar(&creditsLimit, "limit", 100, "maximum failures to retry")
	creditsCmd.AddCommand(creditsListCmd)
	creditsCmd.AddCommand(creditsRetryCmd)

	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
}
