package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/progestock/progestock/internal/audit"
	"github.com/progestock/progestock/internal/auth"
	"github.com/progestock/progestock/internal/company"
	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/inventory"
	"github.com/progestock/progestock/internal/notify"
	"github.com/progestock/progestock/internal/platform/config"
	"github.com/progestock/progestock/internal/platform/database"
	"github.com/progestock/progestock/internal/platform/server"
	"github.com/progestock/progestock/internal/platform/telemetry"
	"github.com/progestock/progestock/internal/rbac"
	"golang.org/x/sync/errgroup"
)

// devSigningKey signs tokens in dev mode when no key is configured.
const devSigningKey = "progestock-dev-signing-key-not-for-production"

// devEmail is the user behind "Bearer dev".
const devEmail = "dev@progestock.local"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("progestock.yaml", ".env")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format)
	telemetry.SetDefault(logger)

	slog.Info("progestock starting", "addr", cfg.Server.Addr(), "dev_mode", cfg.Auth.DevMode)

	// Graceful shutdown on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Database.Migrate {
		if err := database.RunMigrations(ctx, cfg.Database.URL); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		slog.Info("migrations complete")
	}

	pool, err := database.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	var metrics *telemetry.Metrics
	if cfg.Metrics.Enabled {
		metrics = telemetry.NewMetrics(cfg.Metrics.Prefix)
	}

	// RBAC: roles from the database, built-in defaults if they cannot be read.
	evaluator, err := rbac.NewEvaluator(
		rbac.WithRoles(rbac.DefaultRoles()),
		rbac.WithRoleLoader(rbac.NewStore(pool)),
	)
	if err != nil {
		return fmt.Errorf("building role policy: %w", err)
	}
	if err := evaluator.ReloadRoles(ctx); err != nil {
		slog.Warn("using built-in roles", "error", err)
	}

	g := guard.New(evaluator,
		guard.WithOwnerLookup(database.NewOwners(pool)),
		guard.WithMetrics(metrics),
		guard.WithLogger(logger),
	)

	// Audit
	auditStore := audit.NewStore()
	auditCfg := audit.LoggerConfig{
		BufferSize:    cfg.Audit.BufferSize,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval(),
	}
	if metrics != nil {
		auditCfg.Dropped = metrics.AuditDropped
	}
	auditLogger := audit.NewAsyncLogger(pool, auditStore, auditCfg)
	defer auditLogger.Close()

	// Auth
	signingKey := cfg.Auth.JWT.SigningKey
	if signingKey == "" && cfg.Auth.DevMode {
		signingKey = devSigningKey
	}
	tokenSvc := auth.NewTokenService(signingKey, cfg.Auth.JWT.Issuer, cfg.Auth.JWT.ExpiryHours, cfg.Auth.JWT.RefreshExpiryHours)
	authStore := auth.NewStore(pool)
	authHandler := auth.NewHandler(tokenSvc, authStore)

	var devIdentity *auth.Identity
	if cfg.Auth.DevMode {
		slog.Warn("running in dev mode, 'Bearer dev' authenticates as " + devEmail)
		devIdentity, _, err = authStore.FindOrCreateByEmail(ctx, devEmail, "Developer")
		if err != nil {
			return fmt.Errorf("creating dev user: %w", err)
		}
	}

	// Notifications and imports
	hubOpts := []notify.HubOption{}
	if metrics != nil {
		hubOpts = append(hubOpts, notify.WithMetrics(metrics))
	}
	hub := notify.NewHub(cfg.Notify.SubscriberBuffer, hubOpts...)

	runner := database.NewRunner(pool)
	inbox := notify.NewStore()
	inventoryStore := inventory.NewStore()
	imports := inventory.NewImportQueue(runner, inventoryStore, g, auditLogger, inventory.ImportQueueConfig{
		QueueSize: cfg.Imports.QueueSize,
		Workers:   cfg.Imports.Workers,
		Metrics:   metrics,
	})

	languages := companyLanguages(cfg.Locale.Default, cfg.Locale.Supported)

	srv := server.New(cfg.Server.Addr(), server.Dependencies{
		Pool:           pool,
		Auth:           tokenSvc,
		AuthHandler:    authHandler,
		Identities:     authStore,
		Guard:          g,
		CompanyHandler: company.NewHandler(runner, company.NewStore(), company.NewTeamStore(g), auditLogger, languages),
		InventoryHandler: inventory.NewHandler(inventory.Deps{
			Runner:         runner,
			Guard:          g,
			Store:          inventoryStore,
			Events:         auditStore,
			AuditLog:       auditLogger,
			Alerts:         hub,
			Inbox:          inbox,
			Imports:        imports,
			Metrics:        metrics,
			MaxImportBytes: cfg.Imports.MaxFileBytes,
			MaxImportRows:  cfg.Imports.MaxRows,
		}),
		AuditHandler:       audit.NewHandler(pool, auditStore),
		NotifyHandler:      notify.NewHandler(hub, tokenSvc, g, cfg.Server.CORSOrigins),
		InboxHandler:       notify.NewInboxHandler(runner, inbox, g),
		GuardAuditLogger:   audit.ForGuard(auditLogger),
		Metrics:            metrics,
		MetricsPath:        cfg.Metrics.Path,
		DevMode:            cfg.Auth.DevMode,
		DevIdentity:        devIdentity,
		Logger:             logger,
		CORSAllowedOrigins: cfg.Server.CORSOrigins,
		Languages:          languages,
	})

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return imports.Run(ctx)
	})
	eg.Go(func() error {
		return srv.Start(ctx)
	})

	slog.Info("server ready", "addr", cfg.Server.Addr())
	return eg.Wait()
}

// companyLanguages lists the supported languages with the default first.
func companyLanguages(def string, supported []string) []string {
	out := []string{def}
	for _, lang := range supported {
		if !slices.Contains(out, lang) {
			out = append(out, lang)
		}
	}
	return out
}
