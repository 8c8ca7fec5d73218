package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openfield-iot/fieldgate-core/internal/auth"
	"github.com/openfield-iot/fieldgate-core/internal/command"
	"github.com/openfield-iot/fieldgate-core/internal/infrastructure/config"
	"github.com/openfield-iot/fieldgate-core/internal/infrastructure/logging"
	"github.com/openfield-iot/fieldgate-core/internal/ingest"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Ingestor processes normalized device messages. Satisfied by the ingest
// service.
type Ingestor interface {
	Ingest(ctx context.Context, msg ingest.Message) (ingest.Result, error)
	SetConnected(ctx context.Context, identity auth.Identity, connected bool) error
}

// DeviceAuthenticator resolves a presented credential to a device identity.
type DeviceAuthenticator interface {
	Authenticate(ctx context.Context, app, hint string, presented auth.Presented) (auth.Identity, error)
}

// CommandRouter is the slice of the command router the API surface needs.
type CommandRouter interface {
	RegisterSession(ctx context.Context, id, sessionURL string) error
	Ping(ctx context.Context, id string) error
	AddRoute(ctx context.Context, app, device, cmd, sessionID string) error
	RemoveRoute(ctx context.Context, app, device, cmd string) error
	Disconnect(ctx context.Context, id string) error
	Deliver(ctx context.Context, d command.Delivery) error
}

// HealthChecker reports one component's liveness.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CommandSink records command delivery outcomes. May be nil.
type CommandSink interface {
	WriteCommandDelivery(app, device, command string, delivered bool)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	Command  config.CommandConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Ingest   Ingestor
	Auth     DeviceAuthenticator
	Commands CommandRouter

	// Health probes; each may be nil when the component is disabled.
	Database  HealthChecker
	Broker    HealthChecker
	Telemetry HealthChecker

	// Sink receives command delivery outcomes. May be nil.
	Sink CommandSink

	// AdvertisedURL is the base URL peer instances use to reach this
	// instance's command inbox.
	AdvertisedURL string

	Instance string
	Version  string
}

// Server is the HTTP API server of one Fieldgate Core instance.
//
// It manages the HTTP listener, routes, middleware, and the command
// channel hub. The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	cmdCfg    config.CommandConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	ingest    Ingestor
	auth      DeviceAuthenticator
	commands  CommandRouter
	database  HealthChecker
	broker    HealthChecker
	telemetry HealthChecker
	sink      CommandSink

	advertisedURL string
	instance      string
	version       string

	server *http.Server
	hub    *channelHub
	cancel context.CancelFunc // stops background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, ingest, auth, commands)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Ingest == nil {
		return nil, fmt.Errorf("ingest service is required")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("device authenticator is required")
	}
	if deps.Commands == nil {
		return nil, fmt.Errorf("command router is required")
	}

	return &Server{
		cfg:           deps.Config,
		cmdCfg:        deps.Command,
		secCfg:        deps.Security,
		logger:        deps.Logger,
		ingest:        deps.Ingest,
		auth:          deps.Auth,
		commands:      deps.Commands,
		database:      deps.Database,
		broker:        deps.Broker,
		telemetry:     deps.Telemetry,
		sink:          deps.Sink,
		advertisedURL: deps.AdvertisedURL,
		instance:      deps.Instance,
		version:       deps.Version,
		hub:           newChannelHub(deps.Logger),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the command channel hub, and launches the
// HTTP listener in a background goroutine. The server is stopped with
// Close().
//
// Parameters:
//   - ctx: Context for cancellation (not used for listener lifetime)
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	// Internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.run(srvCtx)

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It disconnects all command channels, then waits up to 10 seconds for
// in-flight requests to complete.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
