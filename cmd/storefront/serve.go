package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"storefront-orders/internal/api"
	"storefront-orders/internal/checkout"
	"storefront-orders/internal/data"
	"storefront-orders/internal/db"
	"storefront-orders/internal/lifecycle"
	"storefront-orders/internal/payment"
	"storefront-orders/internal/webhook"
)

var serveMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the checkout and webhook HTTP API",
	Long: `Run the HTTP API.

Settings come from the environment (APP_ENV, HTTP_ADDR, STRIPE_SECRET_KEY,
STRIPE_WEBHOOK_SECRET, SITE_URL, MYSQL_* ...).

Examples:
  storefront serve
  storefront serve --migrate`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "apply the schema before serving")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, gdb, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close(gdb)

	if err := cfg.Validate(); err != nil {
		return err
	}
	if serveMigrate {
		if err := data.EnsureSchema(gdb); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	store := data.NewGormStore(gdb)
	orders := lifecycle.NewManager(store, logger)
	orch := checkout.New(orders, store,
		payment.NewStripe(cfg.StripeSecretKey, cfg.StripeTimeout, logger),
		checkout.Options{
			SiteURL:           cfg.SiteURL,
			SuccessPath:       cfg.SuccessPath,
			CancelPath:        cfg.CancelPath,
			Currency:          cfg.Currency,
			DefaultLocale:     cfg.DefaultLocale,
			ShippingCountries: cfg.ShippingCountries,
			ProviderTimeout:   cfg.StripeTimeout,
		}, logger)
	reconciler := webhook.New(orders, store, payment.NewStripeVerifier(cfg.StripeWebhookSecret), logger)

	server := api.NewServer(api.Deps{
		Checkout:   orch,
		Orders:     orders,
		Webhooks:   reconciler,
		Ping:       func(ctx context.Context) error { return db.Ping(ctx, gdb) },
		Production: cfg.Production(),
		Logger:     logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr, "env", cfg.Env)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	orch.Wait()
	return nil
}
