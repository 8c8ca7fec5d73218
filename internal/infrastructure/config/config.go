package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration of one Fieldgate Core
// instance, loaded from YAML with environment overrides on top.
type Config struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Database  DatabaseConfig  `yaml:"database"`
	Broker    BrokerConfig    `yaml:"broker"`
	API       APIConfig       `yaml:"api"`
	Registry  RegistryConfig  `yaml:"registry"`
	Policy    PolicyConfig    `yaml:"policy"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Command   CommandConfig   `yaml:"command"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// InstanceConfig identifies this front-end/worker instance within the fleet.
type InstanceConfig struct {
	// ID is the unique identifier of this instance. It is stamped on outbox
	// records and event extensions so consumers can tell instances apart.
	ID string `yaml:"id"`

	// AdvertisedURL is the base URL other instances use to reach this
	// instance's command inbox. Typically the externally visible address
	// of the API listener.
	AdvertisedURL string `yaml:"advertised_url"`
}

// DatabaseConfig configures the embedded SQLite store.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// BrokerConfig contains MQTT broker connection settings for the
// downstream change-notification log.
type BrokerConfig struct {
	Host      string                `yaml:"host"`
	Port      int                   `yaml:"port"`
	TLS       bool                  `yaml:"tls"`
	ClientID  string                `yaml:"client_id"`
	Auth      BrokerAuthConfig      `yaml:"auth"`
	QoS       int                   `yaml:"qos"`
	Reconnect BrokerReconnectConfig `yaml:"reconnect"`
}

// BrokerAuthConfig carries the broker username and password.
type BrokerAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// BrokerReconnectConfig bounds the reconnect backoff, in seconds.
type BrokerReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig configures the HTTP listener.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// TLSConfig points at the listener's certificate pair.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig holds the listener timeouts, in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// RegistryConfig contains device registry read settings.
type RegistryConfig struct {
	// CacheTTL is how long a fetched device record may be served from the
	// in-process cache (seconds). The stale-allow window is bounded by this
	// value; zero disables caching.
	CacheTTL int `yaml:"cache_ttl"`
}

// PolicyConfig contains rule engine settings.
type PolicyConfig struct {
	// ExternalTimeout is the per-call timeout for validate/enrich HTTP
	// actions (seconds).
	ExternalTimeout int `yaml:"external_timeout"`
}

// OutboxConfig contains outbox publisher settings.
type OutboxConfig struct {
	// PollInterval is how often the publisher sweeps the outbox table (seconds).
	PollInterval int `yaml:"poll_interval"`

	// BatchSize is the maximum number of rows drained per sweep.
	BatchSize int `yaml:"batch_size"`

	// PublishTimeout is the per-row broker acknowledgement timeout (seconds).
	PublishTimeout int `yaml:"publish_timeout"`
}

// CommandConfig contains command router settings.
type CommandConfig struct {
	// SessionTTL is how long a session stays alive without a ping (seconds).
	SessionTTL int `yaml:"session_ttl"`

	// SweepInterval is how often expired sessions are reaped (seconds).
	// Too frequent wastes cycles, too infrequent delays detection of dead
	// instances.
	SweepInterval int `yaml:"sweep_interval"`

	// PingInterval is how often a live command channel refreshes its
	// session (seconds). Must be comfortably below SessionTTL.
	PingInterval int `yaml:"ping_interval"`

	// ForwardTimeout is the HTTP timeout when forwarding a command to the
	// owning instance's inbox (seconds).
	ForwardTimeout int `yaml:"forward_timeout"`
}

// TelemetryConfig contains InfluxDB telemetry sink settings.
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig selects log level, format, and destination.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig groups authentication material.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings for the command API and
// instance-to-instance inbox calls.
type JWTConfig struct {
	Secret   string `yaml:"secret"`
	TokenTTL int    `yaml:"token_ttl"`
}

// Load builds the effective configuration: defaults, then the YAML file
// at path, then FIELDGATE_* environment overrides, validated last. Each
// layer only replaces what it sets.
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig is the baseline every deployment starts from.
func defaultConfig() *Config {
	return &Config{
		Instance: InstanceConfig{
			ID: "fieldgate-001",
		},
		Database: DatabaseConfig{
			Path:        "./data/fieldgate.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Broker: BrokerConfig{
			Host:     "localhost",
			Port:     1883,
			ClientID: "fieldgate-core",
			QoS:      1,
			Reconnect: BrokerReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Registry: RegistryConfig{
			CacheTTL: 10,
		},
		Policy: PolicyConfig{
			ExternalTimeout: 5,
		},
		Outbox: OutboxConfig{
			PollInterval:   1,
			BatchSize:      100,
			PublishTimeout: 5,
		},
		Command: CommandConfig{
			SessionTTL:     30,
			SweepInterval:  10,
			PingInterval:   10,
			ForwardTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				TokenTTL: 15,
			},
		},
	}
}

// applyEnvOverrides overrides file values from FIELDGATE_* environment
// variables. Only deployment-varying keys and secrets are exposed this
// way; everything else belongs in the file.
func applyEnvOverrides(cfg *Config) {
	overrides := map[string]*string{
		"FIELDGATE_INSTANCE_ID":             &cfg.Instance.ID,
		"FIELDGATE_INSTANCE_ADVERTISED_URL": &cfg.Instance.AdvertisedURL,
		"FIELDGATE_DATABASE_PATH":           &cfg.Database.Path,
		"FIELDGATE_BROKER_HOST":             &cfg.Broker.Host,
		"FIELDGATE_BROKER_USERNAME":         &cfg.Broker.Auth.Username,
		"FIELDGATE_BROKER_PASSWORD":         &cfg.Broker.Auth.Password,
		"FIELDGATE_API_HOST":                &cfg.API.Host,
		"FIELDGATE_TELEMETRY_TOKEN":         &cfg.Telemetry.Token,
		"FIELDGATE_JWT_SECRET":              &cfg.Security.JWT.Secret,
	}

	for key, dst := range overrides {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
}

// Validate collects every configuration problem into one error so an
// operator fixes a bad file in a single pass.
func (c *Config) Validate() error {
	var errs []string

	if c.Instance.ID == "" {
		errs = append(errs, "instance.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.Broker.QoS < 0 || c.Broker.QoS > 2 {
		errs = append(errs, "broker.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Outbox.BatchSize < 1 {
		errs = append(errs, "outbox.batch_size must be at least 1")
	}

	if c.Command.SessionTTL < 1 {
		errs = append(errs, "command.session_ttl must be at least 1 second")
	}
	if c.Command.PingInterval >= c.Command.SessionTTL {
		errs = append(errs, "command.ping_interval must be below command.session_ttl")
	}

	// JWT secret is required: the command API authorises writes that reach
	// physical devices, so forged tokens are a real risk.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set FIELDGATE_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// RegistryCacheTTL returns the registry cache TTL as a Duration.
func (c *Config) RegistryCacheTTL() time.Duration {
	return time.Duration(c.Registry.CacheTTL) * time.Second
}

// PolicyExternalTimeout returns the validate/enrich call timeout as a Duration.
func (c *Config) PolicyExternalTimeout() time.Duration {
	return time.Duration(c.Policy.ExternalTimeout) * time.Second
}

// OutboxPollInterval returns the outbox sweep interval as a Duration.
func (c *Config) OutboxPollInterval() time.Duration {
	return time.Duration(c.Outbox.PollInterval) * time.Second
}

// OutboxPublishTimeout returns the per-row broker ack timeout as a Duration.
func (c *Config) OutboxPublishTimeout() time.Duration {
	return time.Duration(c.Outbox.PublishTimeout) * time.Second
}

// CommandSessionTTL returns the command session liveness window as a Duration.
func (c *Config) CommandSessionTTL() time.Duration {
	return time.Duration(c.Command.SessionTTL) * time.Second
}

// CommandSweepInterval returns the session sweep interval as a Duration.
func (c *Config) CommandSweepInterval() time.Duration {
	return time.Duration(c.Command.SweepInterval) * time.Second
}

// CommandForwardTimeout returns the inbox forward timeout as a Duration.
func (c *Config) CommandForwardTimeout() time.Duration {
	return time.Duration(c.Command.ForwardTimeout) * time.Second
}
