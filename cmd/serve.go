package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/flowgate/internal/broadcast"
	"github.com/nextlevelbuilder/flowgate/internal/config"
	"github.com/nextlevelbuilder/flowgate/internal/dispatch"
	"github.com/nextlevelbuilder/flowgate/internal/engine"
	"github.com/nextlevelbuilder/flowgate/internal/store"
	"github.com/nextlevelbuilder/flowgate/internal/store/sqldb"
	"github.com/nextlevelbuilder/flowgate/internal/telemetry"
	"github.com/nextlevelbuilder/flowgate/internal/transport"
	"github.com/nextlevelbuilder/flowgate/internal/webhook"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook gateway and broadcast scheduler",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg)
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	if !cfg.IsManagedMode() {
		// Standalone SQLite gets its schema applied on boot; managed
		// Postgres deployments run `flowgate migrate up` explicitly.
		if err := autoMigrateSQLite(cfg); err != nil {
			slog.Error("sqlite migration failed", "error", err)
			os.Exit(1)
		}
	}

	db, err := sqldb.Open(cfg)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	stores := sqldb.NewStores(db)

	if err := ensureTenant(ctx, cfg, stores); err != nil {
		slog.Error("tenant bootstrap failed", "error", err)
		os.Exit(1)
	}

	graphClient := transport.NewGraphClient(cfg)
	eng := engine.New(stores)
	locks := engine.NewKeyedMutex()
	dispatcher := dispatch.New(cfg, stores, eng, graphClient, locks)
	server := webhook.NewServer(cfg, dispatcher)
	runner := broadcast.NewRunner(stores, eng, graphClient, locks)
	scheduler := broadcast.NewScheduler(cfg, stores, runner)

	mode := "standalone"
	if cfg.IsManagedMode() {
		mode = "managed"
	}
	slog.Info("flowgate starting", "version", Version, "mode", mode)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(ctx) })
	g.Go(func() error { return scheduler.Run(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("flowgate exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("flowgate stopped")
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

// ensureTenant bootstraps the first tenant from env credentials in
// standalone deployments so a fresh install can serve traffic without a
// provisioning step.
func ensureTenant(ctx context.Context, cfg *config.Config, stores *store.Stores) error {
	_, err := stores.Tenants.First(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if cfg.Provider.AccessToken == "" || cfg.Provider.PhoneNumberID == "" {
		slog.Warn("no tenant provisioned and no ACCESS_TOKEN/PHONE_NUMBER_ID in env; webhook events will be dropped")
		return nil
	}

	t := &store.Tenant{
		ID:                store.NewID(),
		Name:              "default",
		AccessToken:       cfg.Provider.AccessToken,
		MetaPhoneNumberID: cfg.Provider.PhoneNumberID,
		BusinessAccountID: cfg.Provider.BusinessAccount,
	}
	if err := stores.Tenants.Create(ctx, t); err != nil {
		return err
	}
	slog.Info("bootstrapped tenant from env", "tenant_id", t.ID, "phone_number_id", t.MetaPhoneNumberID)
	return nil
}
