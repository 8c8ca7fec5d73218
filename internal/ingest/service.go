package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openfield-iot/fieldgate-core/internal/auth"
	"github.com/openfield-iot/fieldgate-core/internal/event"
	"github.com/openfield-iot/fieldgate-core/internal/outbox"
	"github.com/openfield-iot/fieldgate-core/internal/policy"
	"github.com/openfield-iot/fieldgate-core/internal/registry"
)

// defaultEventType is stamped on events whose front-end supplied no type.
const defaultEventType = "io.openfield.event.v1"

// connectionPath is the outbox path for the connection-state facet.
const connectionPath = "connection"

// Logger is the interface the service needs for logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// noopLogger discards all log output.
type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Warn(msg string, args ...any)  {}

// EventPublisher forwards an accepted event to the downstream log. It
// must not return nil before the log acknowledged the event.
type EventPublisher interface {
	PublishEvent(ctx context.Context, e *event.Envelope) error
}

// TxRunner runs a function inside one committed database transaction.
// Satisfied by the database package's DB.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// Telemetry records ingest measurements. May be a no-op.
type Telemetry interface {
	WriteIngest(app, device, channel, outcome string)
	WriteConnection(app, device string, connected bool)
}

// noopTelemetry drops all measurements.
type noopTelemetry struct{}

func (noopTelemetry) WriteIngest(app, device, channel, outcome string) {}
func (noopTelemetry) WriteConnection(app, device string, connected bool) {}

// Message is one normalized inbound device message.
type Message struct {
	// Application scopes the sending device.
	Application string

	// DeviceHint is the protocol-supplied device name or alias. May be
	// empty for certificate or unique-username credentials.
	DeviceHint string

	// Credential is the single presented credential.
	Credential auth.Presented

	// OnBehalfOf names the target device when a gateway transmits for
	// another device. Empty for direct transmission.
	OnBehalfOf string

	// Channel is the device-facing channel (event subject).
	Channel string

	// Type overrides the default event type. Optional.
	Type string

	// ContentType declares the payload media type.
	ContentType string

	Payload []byte
}

// Result is the terminal state of one ingested message.
type Result struct {
	Event   *event.Envelope
	Outcome policy.Outcome
}

// Service runs the data plane: authenticate, validate, evaluate, forward.
//
// Parsed rule lists are memoized by (application UID, resource version),
// mirroring the credential parse memo: the resource version changes on
// every management write, so a memo entry can never serve stale rules.
//
// Thread Safety: all methods are safe for concurrent use.
type Service struct {
	directory     *registry.Registry
	authenticator *auth.Authenticator
	engine        *policy.Engine
	events        EventPublisher
	db            TxRunner
	repo          registry.Repository
	writer        *outbox.Writer
	sink          Telemetry
	instance      string
	logger        Logger

	mu    sync.RWMutex
	rules map[string][]policy.Rule
}

// NewService wires the data plane together. sink and logger may be nil.
func NewService(
	directory *registry.Registry,
	authenticator *auth.Authenticator,
	engine *policy.Engine,
	events EventPublisher,
	db TxRunner,
	repo registry.Repository,
	writer *outbox.Writer,
	sink Telemetry,
	instance string,
	logger Logger,
) *Service {
	if sink == nil {
		sink = noopTelemetry{}
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Service{
		directory:     directory,
		authenticator: authenticator,
		engine:        engine,
		events:        events,
		db:            db,
		repo:          repo,
		writer:        writer,
		sink:          sink,
		instance:      instance,
		logger:        logger,
		rules:         make(map[string][]policy.Rule),
	}
}

// Ingest processes one inbound message end to end.
//
// Errors are terminal for this message: auth.ErrAuthFailed,
// auth.ErrGatewayNotTrusted, event.ErrMalformedPayload, or
// policy.ErrServerError (transient, the device should retry). Policy
// rejects and drops are not errors; they arrive in the Result.
func (s *Service) Ingest(ctx context.Context, msg Message) (Result, error) {
	identity, err := s.authenticator.Authenticate(ctx, msg.Application, msg.DeviceHint, msg.Credential)
	if err != nil {
		outcome := "auth_failed"
		if !errors.Is(err, auth.ErrAuthFailed) && !errors.Is(err, auth.ErrInvalidPresented) {
			outcome = "registry_error"
		}
		s.sink.WriteIngest(msg.Application, msg.DeviceHint, msg.Channel, outcome)
		return Result{}, err
	}

	target, err := s.resolveTarget(ctx, msg, identity)
	if err != nil {
		s.sink.WriteIngest(msg.Application, msg.OnBehalfOf, msg.Channel, "gateway_not_trusted")
		return Result{}, err
	}

	app, err := s.directory.GetApplication(ctx, msg.Application)
	if err != nil {
		if errors.Is(err, registry.ErrApplicationNotFound) {
			return Result{}, auth.ErrAuthFailed
		}
		return Result{}, fmt.Errorf("loading application %s: %w", msg.Application, err)
	}

	e := s.buildEnvelope(msg, app, target, identity)
	if err := e.ValidatePayload(); err != nil {
		s.sink.WriteIngest(app.Name, target.Name, msg.Channel, "malformed_payload")
		return Result{}, err
	}

	rules, err := s.publishRules(app)
	if err != nil {
		return Result{}, err
	}

	final, outcome, err := s.engine.Evaluate(ctx, rules, e)
	if err != nil {
		s.sink.WriteIngest(app.Name, target.Name, msg.Channel, "policy_error")
		return Result{}, err
	}

	switch outcome.Decision {
	case policy.DecisionAccept:
		if err := s.events.PublishEvent(ctx, final); err != nil {
			s.sink.WriteIngest(app.Name, target.Name, msg.Channel, "publish_failed")
			return Result{}, fmt.Errorf("forwarding event %s: %w", final.ID, err)
		}
	case policy.DecisionReject:
		s.logger.Debug("event rejected by policy",
			"application", app.Name,
			"device", target.Name,
			"reason", outcome.Reason)
	case policy.DecisionDrop:
		s.logger.Debug("event dropped by policy",
			"application", app.Name,
			"device", target.Name)
	}

	s.sink.WriteIngest(app.Name, target.Name, msg.Channel, string(outcome.Decision))
	return Result{Event: final, Outcome: outcome}, nil
}

// SetConnected records a device connection-state transition. The registry
// update and its outbox record commit in one transaction.
func (s *Service) SetConnected(ctx context.Context, identity auth.Identity, connected bool) error {
	conn := registry.Connection{
		Connected: connected,
		Instance:  s.instance,
		Timestamp: time.Now().UTC(),
	}

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		generation, err := s.repo.UpdateConnection(ctx, tx, identity.Application, identity.Device, conn)
		if err != nil {
			return err
		}
		return s.writer.Record(ctx, tx, identity.Application, identity.Device, connectionPath, generation)
	})
	if err != nil {
		return fmt.Errorf("updating connection state for %s/%s: %w", identity.Application, identity.Device, err)
	}

	// The cached record now carries a stale resource version.
	s.directory.Invalidate(identity.Application)

	s.sink.WriteConnection(identity.Application, identity.Device, connected)
	s.logger.Info("device connection state changed",
		"application", identity.Application,
		"device", identity.Device,
		"connected", connected)
	return nil
}

// resolveTarget returns the device the message is about: the authenticated
// device itself, or a proxied target after the gateway-trust check.
func (s *Service) resolveTarget(ctx context.Context, msg Message, identity auth.Identity) (*registry.Device, error) {
	name := identity.Device
	if msg.OnBehalfOf != "" {
		name = msg.OnBehalfOf
	}

	target, err := s.directory.LookupDevice(ctx, msg.Application, name)
	if err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			return nil, auth.ErrAuthFailed
		}
		return nil, fmt.Errorf("resolving device %s/%s: %w", msg.Application, name, err)
	}

	if target.Name != identity.Device {
		if err := s.authenticator.AuthorizeGateway(target, identity); err != nil {
			return nil, err
		}
	}
	return target, nil
}

// buildEnvelope assembles the normalized event for one message.
func (s *Service) buildEnvelope(msg Message, app *registry.Application, target *registry.Device, identity auth.Identity) *event.Envelope {
	eventType := msg.Type
	if eventType == "" {
		eventType = defaultEventType
	}

	e := event.New(eventType, msg.Channel, msg.Payload)
	e.DataContentType = msg.ContentType
	e.SetExtension(event.ExtInstance, s.instance)
	e.SetExtension(event.ExtApplication, app.Name)
	e.SetExtension(event.ExtApplicationUID, app.UID)
	e.SetExtension(event.ExtDevice, target.Name)
	e.SetExtension(event.ExtDeviceUID, target.UID)
	e.SetExtension(event.ExtSender, identity.Device)
	e.SetExtension(event.ExtSenderUID, identity.DeviceUID)
	return e
}

// publishRules returns the application's parsed rule list, memoized by
// (uid, resource version).
func (s *Service) publishRules(app *registry.Application) ([]policy.Rule, error) {
	key := app.UID + "/" + app.ResourceVersion

	s.mu.RLock()
	rules, ok := s.rules[key]
	s.mu.RUnlock()
	if ok {
		return rules, nil
	}

	rules, err := policy.ParseRules(app.PublishRules)
	if err != nil {
		return nil, fmt.Errorf("parsing publish rules for %s: %w", app.Name, err)
	}

	s.mu.Lock()
	s.rules[key] = rules
	s.mu.Unlock()
	return rules, nil
}
