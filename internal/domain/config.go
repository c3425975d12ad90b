package domain

import "time"

// Config holds the complete claimdesk configuration.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Tier determines which storage, cache and bus backends are used
	Tier Tier `yaml:"tier"`

	// Remote scoring service
	Gateway GatewayConfig `yaml:"gateway"`

	// Operator workflow timings and policies
	Console ConsoleConfig `yaml:"console"`

	// Component configurations
	Repository RepositoryConfig `yaml:"repository"`
	Cache      CacheConfig      `yaml:"cache"`
	EventBus   EventBusConfig   `yaml:"eventBus"`

	// Observability
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"readTimeout"`  // seconds
	WriteTimeout int    `yaml:"writeTimeout"` // seconds
}

// GatewayConfig describes how to reach the remote scoring service.
type GatewayConfig struct {
	BaseURL   string        `yaml:"baseURL"`
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"userAgent"`
	Breaker   BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the circuit breaker in front of the scoring service.
type BreakerConfig struct {
	Enabled bool `yaml:"enabled"`

	// MaxRequests allowed through while half-open.
	MaxRequests uint32 `yaml:"maxRequests"`

	// Interval clears failure counts while closed. Zero never clears.
	Interval time.Duration `yaml:"interval"`

	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration `yaml:"timeout"`

	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32 `yaml:"consecutiveFailures"`
}

// ConsoleConfig holds operator workflow settings.
type ConsoleConfig struct {
	// RejectDisplayWindow is how long a rejected submission stays visible
	// before the form returns to idle.
	RejectDisplayWindow time.Duration `yaml:"rejectDisplayWindow"`

	// RedirectDelay is the pause between a successful submission and the
	// hand-off to the detail view.
	RedirectDelay time.Duration `yaml:"redirectDelay"`

	// SessionIdleTimeout closes operator sessions nobody has touched.
	SessionIdleTimeout time.Duration `yaml:"sessionIdleTimeout"`

	// BandGuard is the CEL expression a risk band save must satisfy.
	// Variables: low_max, medium_max, high_max.
	BandGuard string `yaml:"bandGuard"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"serviceName"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-memory cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultBandGuard keeps risk band edges inside 0..100 and strictly increasing.
const DefaultBandGuard = "0 <= low_max && low_max < medium_max && medium_max < high_max && high_max <= 100"

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Gateway: GatewayConfig{
			BaseURL:   "http://127.0.0.1:8000/api/v1",
			Timeout:   15 * time.Second,
			UserAgent: "claimdesk",
			Breaker: BreakerConfig{
				Enabled:             true,
				MaxRequests:         1,
				Interval:            time.Minute,
				Timeout:             30 * time.Second,
				ConsecutiveFailures: 5,
			},
		},
		Console: ConsoleConfig{
			RejectDisplayWindow: 3 * time.Second,
			RedirectDelay:       1500 * time.Millisecond,
			SessionIdleTimeout:  8 * time.Hour,
			BandGuard:           DefaultBandGuard,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./claimdesk.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			PayloadTTL:   time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "claimdesk",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "claimdesk",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       5 * time.Minute,
		PayloadTTL:     time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
