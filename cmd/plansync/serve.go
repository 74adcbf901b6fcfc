package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/plansync/internal/auth"
	"github.com/dukerupert/plansync/internal/server"
	"github.com/dukerupert/plansync/internal/store"
	pstripe "github.com/dukerupert/plansync/internal/stripe"
	"github.com/dukerupert/plansync/internal/subscription"
	"github.com/dukerupert/plansync/internal/wallet"
	"github.com/dukerupert/plansync/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, webhook receiver and expiry sweeper",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()

	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	db, err := openDB(cfg, logger)
	if err != nil {
		return err
	}
	closers := []func() error{db.Close}
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i]())
		}
	}()

	pub, err := openPublisher(cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, pub.Close)

	eventStore := store.NewWebhookEventStore(db)
	var dedup webhook.Deduper = eventStore
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = webhook.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		closers = append(closers, redisClient.Close)
		dedup = webhook.NewRedisDeduper(redisClient, cfg.DedupTTL)
		logger.Info("webhook dedup using redis")
	}

	stripeCfg := pstripe.DefaultConfig()
	stripeCfg.SecretKey = cfg.StripeSecretKey
	stripeCfg.WebhookSecret = cfg.StripeWebhookSecret
	stripeCfg.Currency = cfg.StripeCurrency
	gw := pstripe.NewClient(stripeCfg, logger.With("component", "stripe"))

	ledger := wallet.NewClient(wallet.Config{
		BaseURL: cfg.WalletLedgerURL,
		Token:   cfg.WalletLedgerToken,
	})

	svcCfg := subscription.DefaultConfig()
	svcCfg.RefundPlaces = cfg.WalletLedgerPlaces
	subs := store.NewSubscriptionStore(db)
	svc := subscription.NewService(subs, store.NewCreditFailureStore(db), ledger, gw, pub, logger, svcCfg)

	dispatcher := webhook.NewDispatcher(gw, svc, dedup, logger, webhook.Config{
		Workers:   cfg.WebhookWorkers,
		QueueSize: cfg.WebhookQueue,
	})
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	sweeper := subscription.NewSweeper(subs, pub, logger, cfg.SweepInterval, cfg.SweepBatch)
	sweeper.SetPendingTimeout(cfg.PendingTTL, gw)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	srv := server.New(db, svc, dispatcher, auth.NewTokenVerifier(cfg.JWTSecret),
		cfg.CheckoutSuccessURL(), cfg.CheckoutCancelURL(), logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("plansync listening", "addr", httpServer.Addr, "base_url", cfg.BaseURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				srv.RateLimiter().Cleanup()
			}
		}
	})

	if redisClient == nil {
		g.Go(func() error {
			return webhook.Prune(gctx, eventStore, cfg.DedupTTL, time.Hour, logger.With("component", "webhook"))
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				n, err := svc.RetryCredits(gctx, 0)
				if n > 0 {
					logger.Info("queued credits applied", "count", n)
				}
				if err != nil {
					logger.Warn("queued credits still failing", "error", err)
				}
			}
		}
	})

	return g.Wait()
}
