package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/sergey-chuvayev/dust/internal/database"
	"github.com/sergey-chuvayev/dust/internal/server"
	"github.com/sergey-chuvayev/dust/pkg/config"
	"github.com/sergey-chuvayev/dust/pkg/connectors/gdrive"
	"github.com/sergey-chuvayev/dust/pkg/events"
	"github.com/sergey-chuvayev/dust/pkg/index"
	"github.com/sergey-chuvayev/dust/pkg/logger"
	syncpkg "github.com/sergey-chuvayev/dust/pkg/sync"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML configuration file")
		tokenFile  = flag.String("token-file", "", "path to the stored OAuth token JSON")
		migrate    = flag.Bool("migrate", false, "run database migrations and exit")
	)
	flag.Parse()

	cfg := server.DefaultConfig()
	loader := config.NewLoader("DUST")
	if err := loader.Load(*configPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(&logger.Config{
		Level:   logger.ParseLogLevel(cfg.LogLevel),
		Format:  parseLogFormat(cfg.LogFormat),
		Service: "gdrive-connector",
		Version: "1.0.0",
	})

	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		log.Fatal("failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.AutoMigrate(); err != nil {
		log.Fatal("failed to run migrations: %v", err)
	}
	if *migrate {
		log.Info("migrations complete")
		return
	}

	if *tokenFile == "" {
		log.Fatal("-token-file is required")
	}
	rawToken, err := os.ReadFile(*tokenFile)
	if err != nil {
		log.Fatal("failed to read token file: %v", err)
	}
	token, err := gdrive.ParseToken(rawToken)
	if err != nil {
		log.Fatal("failed to parse token: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	service, err := gdrive.NewDriveService(ctx, cfg.Auth, token)
	if err != nil {
		log.Fatal("failed to create drive service: %v", err)
	}
	source := gdrive.NewClient(service, cfg.Drive)

	indexClient, err := index.NewClient(cfg.Index)
	if err != nil {
		log.Fatal("failed to create index client: %v", err)
	}

	var publisher syncpkg.EventPublisher = syncpkg.NoopPublisher{}
	if cfg.EventsEnabled {
		producer, err := events.NewProducer(cfg.Events)
		if err != nil {
			log.Fatal("failed to create event producer: %v", err)
		}
		defer producer.Close()
		publisher = producer
	}

	store := syncpkg.NewStore(db.DB())
	full := syncpkg.NewFullSyncEngine(source, store, store, indexClient, publisher, cfg.Sync, log)
	incremental := syncpkg.NewIncrementalEngine(source, store, store, store, store, indexClient, publisher, cfg.Sync, log)
	gc := syncpkg.NewGarbageCollector(source, store, store, indexClient, publisher, cfg.Sync, log)
	webhooks := syncpkg.NewWebhookManager(source, store, store, cfg.Sync, log)
	runner := syncpkg.NewRunner(source, full, incremental, gc, webhooks, store, store, store, publisher, nil, cfg.Sync, log)

	// Without a durable orchestrator deployed alongside, incremental syncs
	// triggered by notifications run in-process.
	trigger := &localTrigger{runner: runner, logger: log}
	debouncer := syncpkg.NewDebouncer(trigger, cfg.Sync.DebounceWindow)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.WebhookRenewalSchedule, func() {
		if n, err := webhooks.RenewExpiring(ctx, 100); err != nil {
			log.Error("webhook renewal pass failed: %v", err)
		} else if n > 0 {
			log.Info("renewed %d webhook subscriptions", n)
		}
	}); err != nil {
		log.Fatal("invalid webhook renewal schedule: %v", err)
	}
	if _, err := scheduler.AddFunc(cfg.WebhookPurgeSchedule, func() {
		if n, err := webhooks.PurgeRetired(ctx); err != nil {
			log.Error("webhook purge pass failed: %v", err)
		} else if n > 0 {
			log.Info("purged %d retired webhook subscriptions", n)
		}
	}); err != nil {
		log.Fatal("invalid webhook purge schedule: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv, err := server.New(cfg, db, webhooks, debouncer, log)
	if err != nil {
		log.Fatal("failed to create server: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error("server failed: %v", err)
		}
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		log.Error("server shutdown error: %v", err)
	}
	log.Info("shutdown complete")
}

// localTrigger runs incremental syncs in-process. A deployment with a
// workflow orchestrator replaces this with a client that starts the
// deduplicated incremental-sync workflow instead.
type localTrigger struct {
	runner *syncpkg.Runner
	logger *logger.Logger
}

func (t *localTrigger) TriggerIncrementalSync(ctx context.Context, connectorID uuid.UUID, driveID string) error {
	go func() {
		if err := t.runner.RunIncrementalSync(context.Background(), connectorID, driveID); err != nil {
			t.logger.WithConnector(connectorID.String(), driveID).
				Error("incremental sync failed: %v", err)
		}
	}()
	return nil
}

func parseLogFormat(format string) logger.LogFormat {
	if format == "text" {
		return logger.TextFormat
	}
	return logger.JSONFormat
}
