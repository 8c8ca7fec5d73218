// Fieldgate Core - Device Data-Plane Engine
//
// This is the main entry point for one Fieldgate Core instance. The
// instance hosts the HTTP ingest and command surface, the outbox
// publisher loop, and the command-session sweeper. Registry records are
// read here and authored elsewhere; the management plane never runs in
// this binary.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/openfield-iot/fieldgate-core/migrations"

	"github.com/openfield-iot/fieldgate-core/internal/api"
	"github.com/openfield-iot/fieldgate-core/internal/auth"
	"github.com/openfield-iot/fieldgate-core/internal/command"
	"github.com/openfield-iot/fieldgate-core/internal/infrastructure/config"
	"github.com/openfield-iot/fieldgate-core/internal/infrastructure/database"
	"github.com/openfield-iot/fieldgate-core/internal/infrastructure/logging"
	"github.com/openfield-iot/fieldgate-core/internal/infrastructure/mqtt"
	"github.com/openfield-iot/fieldgate-core/internal/infrastructure/telemetry"
	"github.com/openfield-iot/fieldgate-core/internal/ingest"
	"github.com/openfield-iot/fieldgate-core/internal/outbox"
	"github.com/openfield-iot/fieldgate-core/internal/policy"
	"github.com/openfield-iot/fieldgate-core/internal/registry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Fieldgate Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Device registry (read-side) with TTL cache
	repo := registry.NewSQLiteRepository(db.DB)
	directory := registry.NewRegistry(repo, cfg.RegistryCacheTTL())
	directory.SetLogger(log)
	log.Info("device registry initialised", "cache_ttl", cfg.RegistryCacheTTL())

	// Credential matcher over the registry
	authenticator := auth.NewAuthenticator(directory)

	// Rule engine with HTTP validate/enrich actions
	external := policy.NewHTTPClient(cfg.PolicyExternalTimeout(), log)
	engine := policy.NewEngine(external, log)

	// Connect to the downstream MQTT broker
	broker, err := mqtt.Connect(cfg.Broker)
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer func() {
		log.Info("disconnecting from broker")
		if closeErr := broker.Close(); closeErr != nil {
			log.Error("error closing broker connection", "error", closeErr)
		}
	}()
	broker.SetLogger(log)
	broker.SetOnConnect(func() {
		log.Info("broker reconnected")
	})
	broker.SetOnDisconnect(func(err error) {
		log.Warn("broker disconnected", "error", err)
	})
	log.Info("broker connected",
		"broker", fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port),
		"client_id", cfg.Broker.ClientID,
	)

	// Telemetry sink (optional)
	sink, err := telemetry.Connect(cfg.Telemetry, cfg.Instance.ID)
	if err != nil {
		if !errors.Is(err, telemetry.ErrDisabled) {
			return fmt.Errorf("connecting telemetry sink: %w", err)
		}
		sink = nil
		log.Info("telemetry disabled")
	} else {
		defer func() {
			log.Info("closing telemetry sink")
			if closeErr := sink.Close(); closeErr != nil {
				log.Error("error closing telemetry sink", "error", closeErr)
			}
		}()
		sink.SetOnError(func(err error) {
			log.Error("telemetry write error", "error", err)
		})
		log.Info("telemetry connected",
			"url", cfg.Telemetry.URL,
			"org", cfg.Telemetry.Org,
			"bucket", cfg.Telemetry.Bucket,
		)
	}

	// Outbox: transactional writer plus the publisher loop draining rows
	// to the broker as change notifications.
	qos := byte(cfg.Broker.QoS)
	writer := outbox.NewWriter(cfg.Instance.ID)
	publisher := outbox.NewPublisher(db.DB, mqtt.NewNotifier(broker, qos), outbox.Options{
		PollInterval:   cfg.OutboxPollInterval(),
		BatchSize:      cfg.Outbox.BatchSize,
		PublishTimeout: cfg.OutboxPublishTimeout(),
		Sink:           outboxSink(sink),
	}, log)
	go func() {
		if runErr := publisher.Run(ctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
			log.Error("outbox publisher stopped", "error", runErr)
		}
	}()

	// Command router: session store, delivery forwards signed with the
	// shared secret, and the expiry sweeper.
	issuer := api.NewTokenIssuer(cfg.Security.JWT, cfg.Instance.ID)
	commandRouter := command.NewRouter(command.NewSQLiteRepository(db.DB), command.Options{
		SessionTTL:     cfg.CommandSessionTTL(),
		SweepInterval:  cfg.CommandSweepInterval(),
		ForwardTimeout: cfg.CommandForwardTimeout(),
		BearerToken:    issuer.Issue,
	}, log)
	go func() {
		if runErr := commandRouter.Run(ctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
			log.Error("command sweeper stopped", "error", runErr)
		}
	}()

	// Ingest service: the data-plane pipeline
	var ingestSink ingest.Telemetry
	if sink != nil {
		ingestSink = sink
	}
	service := ingest.NewService(
		directory,
		authenticator,
		engine,
		mqtt.NewEventPublisher(broker, qos),
		db,
		repo,
		writer,
		ingestSink,
		cfg.Instance.ID,
		log,
	)

	// HTTP and WebSocket surface
	advertisedURL := cfg.Instance.AdvertisedURL
	if advertisedURL == "" {
		advertisedURL = fmt.Sprintf("http://%s:%d", cfg.API.Host, cfg.API.Port)
		log.Warn("instance.advertised_url not set, peers will use the listen address",
			"advertised_url", advertisedURL)
	}

	serverDeps := api.Deps{
		Config:        cfg.API,
		Command:       cfg.Command,
		Security:      cfg.Security,
		Logger:        log,
		Ingest:        service,
		Auth:          authenticator,
		Commands:      commandRouter,
		Database:      db,
		Broker:        broker,
		AdvertisedURL: advertisedURL,
		Instance:      cfg.Instance.ID,
		Version:       version,
	}
	if sink != nil {
		serverDeps.Telemetry = sink
		serverDeps.Sink = sink
	}

	server, err := api.New(serverDeps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started",
		"address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		"tls", cfg.API.TLS.Enabled,
	)

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, broker, sink); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server (drains in-flight requests, closes channels)
	// 2. Telemetry (if enabled)
	// 3. Broker
	// 4. Database

	log.Info("Fieldgate Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses FIELDGATE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("FIELDGATE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// outboxSink adapts the optional telemetry client to the publisher's sink,
// avoiding a typed-nil interface when telemetry is disabled.
func outboxSink(sink *telemetry.Client) outbox.Sink {
	if sink == nil {
		return nil
	}
	return sink
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - broker: MQTT client to check
//   - sink: Telemetry client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, broker *mqtt.Client, sink *telemetry.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := broker.HealthCheck(ctx); err != nil {
		return fmt.Errorf("broker: %w", err)
	}

	if sink != nil {
		if err := sink.HealthCheck(ctx); err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
	}

	return nil
}
