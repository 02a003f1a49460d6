package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/beekhof/calendar-sync-engine/internal/calendar"
	"github.com/beekhof/calendar-sync-engine/internal/calendar/caldav"
	"github.com/beekhof/calendar-sync-engine/internal/calendar/ews"
	"github.com/beekhof/calendar-sync-engine/internal/calendar/googlecal"
	"github.com/beekhof/calendar-sync-engine/internal/calendar/graph"
	"github.com/beekhof/calendar-sync-engine/internal/config"
	"github.com/beekhof/calendar-sync-engine/internal/connections"
	"github.com/beekhof/calendar-sync-engine/internal/httpapi"
	"github.com/beekhof/calendar-sync-engine/internal/jobs"
	"github.com/beekhof/calendar-sync-engine/internal/migrate"
	"github.com/beekhof/calendar-sync-engine/internal/store"
	"github.com/beekhof/calendar-sync-engine/internal/sync"
	"github.com/beekhof/calendar-sync-engine/internal/vault"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func printHelp() {
	fmt.Fprintf(os.Stderr, `Calendar Sync Engine

Mirrors events from external calendar accounts (Google, Microsoft 365,
CalDAV servers including iCloud, and Exchange via EWS) into the local
calendar store. Connections are managed over HTTP; syncs run from a durable
PostgreSQL job queue on a fixed worker pool.

USAGE:
    %s [OPTIONS]

OPTIONS:
    -h, --help                     Show this help message and exit
    -v, --verbose                  Development logging (console, DEBUG level)
    --config FILE                  Path to JSON config file (optional)
    --listen-addr ADDR             HTTP listen address (default ":8080")
    --database-dsn DSN             PostgreSQL connection string
    --google-credentials-path PATH Google OAuth client JSON ("installed" or "web")
    --workers N                    Concurrent sync workers (default 3)
    --log-level LEVEL              debug, info, warn or error (default "info")
    --migrate-only                 Apply database migrations and exit

CONFIGURATION PRECEDENCE (highest to lowest):
    1. Command-line flags
    2. Environment variables (DATABASE_DSN, VAULT_KEY, LISTEN_ADDR,
       GOOGLE_CREDENTIALS_PATH, MICROSOFT_CLIENT_ID, MICROSOFT_CLIENT_SECRET,
       MICROSOFT_TENANT, WORKERS, PERIODIC_INTERVAL, POLL_INTERVAL,
       JOB_MAX_ATTEMPTS, JOB_BACKOFF_BASE, KEEP_COMPLETED_JOBS,
       KEEP_FAILED_JOBS, CALDAV_TIMEOUT, EWS_TIMEOUT,
       DEFAULT_SYNC_INTERVAL_MINUTES, LOG_LEVEL)
    3. Config file (--config)
    4. Defaults

    VAULT_KEY is the 32-byte credential encryption key, base64 or hex encoded.
    Providers without client credentials (Google, Microsoft) are not offered.

EXAMPLES:
    DATABASE_DSN=postgres://calsync@localhost/calsync VAULT_KEY=... %s
    %s --config /etc/calsync.json --verbose

`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	helpFlag := flag.Bool("help", false, "Show help message")
	helpFlagShort := flag.Bool("h", false, "Show help message (shorthand)")
	verboseFlag := flag.Bool("verbose", false, "Enable development logging")
	verboseFlagShort := flag.Bool("v", false, "Enable development logging (shorthand)")
	configFile := flag.String("config", "", "Path to JSON config file")
	listenAddr := flag.String("listen-addr", "", "HTTP listen address (overrides config file and LISTEN_ADDR env var)")
	databaseDSN := flag.String("database-dsn", "", "PostgreSQL DSN (overrides config file and DATABASE_DSN env var)")
	googleCredentialsPath := flag.String("google-credentials-path", "", "Path to Google OAuth credentials JSON file (overrides config file and GOOGLE_CREDENTIALS_PATH env var)")
	workers := flag.Int("workers", 0, "Concurrent sync workers (overrides config file and WORKERS env var)")
	logLevel := flag.String("log-level", "", "Log level (overrides config file and LOG_LEVEL env var)")
	migrateOnly := flag.Bool("migrate-only", false, "Apply database migrations and exit")
	flag.Parse()

	if *helpFlag || *helpFlagShort {
		printHelp()
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configFile, config.Flags{
		ListenAddr:            *listenAddr,
		DatabaseDSN:           *databaseDSN,
		GoogleCredentialsPath: *googleCredentialsPath,
		Workers:               *workers,
		LogLevel:              *logLevel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.LogLevel, *verboseFlag || *verboseFlagShort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *migrateOnly); err != nil {
		logger.Fatal("calsync stopped", zap.Error(err))
	}
	logger.Info("calsync stopped")
}

func newLogger(level string, verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = lvl
	return zcfg.Build()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, migrateOnly bool) error {
	key, err := vault.ParseKey(cfg.VaultKey)
	if err != nil {
		return fmt.Errorf("vault key: %w", err)
	}
	sealer := vault.New(key)

	if err := migrate.Up(ctx, cfg.DatabaseDSN); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("database migrated")
	if migrateOnly {
		return nil
	}

	db, err := store.New(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	connRepo := store.NewConnectionRepo(db)
	calRepo := store.NewCalendarRepo(db)
	eventRepo := store.NewEventRepo(db)
	creds := connections.NewCredentials(connRepo)

	registry, err := newRegistry(cfg, sealer, creds, logger)
	if err != nil {
		return err
	}

	syncer := sync.NewSyncer(connRepo, calRepo, eventRepo, registry, store.NewLocker(db), logger.Named("sync"))
	queue := jobs.NewQueue(db, jobs.QueueOptions{
		MaxAttempts:   cfg.JobMaxAttempts,
		BackoffBase:   cfg.JobBackoffBase.Std(),
		KeepCompleted: cfg.KeepCompletedJobs,
		KeepFailed:    cfg.KeepFailedJobs,
	})
	scheduler := jobs.NewScheduler(queue, syncer, connRepo, jobs.Options{
		Workers:          cfg.Workers,
		PollInterval:     cfg.PollInterval.Std(),
		PeriodicInterval: cfg.PeriodicInterval.Std(),
	}, logger.Named("jobs"))
	if err := scheduler.EnsurePeriodicSchedule(ctx); err != nil {
		return fmt.Errorf("register periodic sync: %w", err)
	}

	manager := connections.NewManager(connRepo, calRepo, registry, sealer, creds, scheduler, logger.Named("connections"))
	manager.DefaultSyncIntervalMinutes = cfg.DefaultSyncIntervalMinutes

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpapi.NewRouter(manager, db, logger.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("scheduler started", zap.Int("workers", cfg.Workers))
		return scheduler.Run(ctx)
	})
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newRegistry registers an adapter for every provider that has the client
// credentials it needs.
func newRegistry(cfg *config.Config, sealer calendar.Sealer, creds calendar.CredentialStore, logger *zap.Logger) (*calendar.Registry, error) {
	registry := calendar.NewRegistry()

	if cfg.GoogleCredentialsPath != "" {
		clientID, clientSecret, err := config.LoadGoogleCredentials(cfg.GoogleCredentialsPath)
		if err != nil {
			return nil, fmt.Errorf("google credentials: %w", err)
		}
		registry.Register(calendar.ProviderGoogle, &googlecal.Adapter{
			OAuth:       googlecal.NewOAuthConfig(clientID, clientSecret),
			Sealer:      sealer,
			Credentials: creds,
			Logger:      logger.Named("google"),
		})
	} else {
		logger.Warn("google_credentials_path not configured, Google connections are disabled")
	}

	if cfg.MicrosoftClientID != "" {
		oauth := graph.NewOAuthConfig(cfg.MicrosoftClientID, cfg.MicrosoftClientSecret, cfg.MicrosoftTenant)
		registry.Register(calendar.ProviderMicrosoft, graph.NewAdapter(oauth, sealer, creds, logger.Named("graph")))
	} else {
		logger.Warn("microsoft_client_id not configured, Microsoft connections are disabled")
	}

	for _, p := range []calendar.Provider{calendar.ProviderCalDAV, calendar.ProviderApple} {
		registry.Register(p, caldav.NewAdapter(p, sealer, logger.Named("caldav"), cfg.CalDAVTimeout.Std()))
	}
	registry.Register(calendar.ProviderEWS, ews.NewAdapter(sealer, logger.Named("ews"), cfg.EWSTimeout.Std()))
	return registry, nil
}
