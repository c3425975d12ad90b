// Package config assembles the runtime configuration from defaults, an
// optional YAML file, a .env file and CLAIMDESK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/claimdesk/internal/domain"
)

// DefaultPath is read when CLAIMDESK_CONFIG is unset.
const DefaultPath = "claimdesk.yaml"

// Load builds the configuration. Precedence, lowest first: tier defaults,
// YAML file, environment. A missing .env or default YAML file is not an error.
func Load() (*domain.Config, error) {
	_ = godotenv.Load()

	path := os.Getenv("CLAIMDESK_CONFIG")
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist) && !explicit:
		data = nil
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse overlays YAML onto the defaults of the tier it names, or of the
// tier in CLAIMDESK_TIER when the document is silent.
func Parse(data []byte) (*domain.Config, error) {
	var probe struct {
		Tier domain.Tier `yaml:"tier"`
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &probe); err != nil {
			return nil, err
		}
	}

	tier := probe.Tier
	if tier == "" {
		tier = domain.Tier(strings.ToLower(os.Getenv("CLAIMDESK_TIER")))
	}

	cfg := domain.DefaultConfig()
	if tier == domain.TierPro {
		cfg = domain.ProConfig()
	}

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func applyEnv(cfg *domain.Config) error {
	if tier := os.Getenv("CLAIMDESK_TIER"); tier != "" {
		cfg.Tier = domain.Tier(strings.ToLower(tier))
	}

	envOverride(&cfg.Server.Host, "CLAIMDESK_HOST")
	envOverride(&cfg.Gateway.BaseURL, "CLAIMDESK_GATEWAY_URL")
	envOverride(&cfg.Console.BandGuard, "CLAIMDESK_BAND_GUARD")
	envOverride(&cfg.Repository.Driver, "CLAIMDESK_DB_DRIVER")
	envOverride(&cfg.Repository.SQLitePath, "CLAIMDESK_SQLITE_PATH")
	envOverride(&cfg.Repository.PostgresHost, "CLAIMDESK_POSTGRES_HOST")
	envOverride(&cfg.Repository.PostgresUser, "CLAIMDESK_POSTGRES_USER")
	envOverride(&cfg.Repository.PostgresPassword, "CLAIMDESK_POSTGRES_PASSWORD")
	envOverride(&cfg.Repository.PostgresDB, "CLAIMDESK_POSTGRES_DB")
	envOverride(&cfg.Repository.PostgresSSLMode, "CLAIMDESK_POSTGRES_SSLMODE")
	envOverride(&cfg.Cache.Type, "CLAIMDESK_CACHE")
	envOverride(&cfg.Cache.RedisAddr, "CLAIMDESK_REDIS_ADDR")
	envOverride(&cfg.Cache.RedisPassword, "CLAIMDESK_REDIS_PASSWORD")
	envOverride(&cfg.EventBus.Type, "CLAIMDESK_EVENTBUS")
	envOverride(&cfg.EventBus.NATSUrl, "CLAIMDESK_NATS_URL")
	envOverride(&cfg.EventBus.NATSToken, "CLAIMDESK_NATS_TOKEN")
	envOverride(&cfg.EventBus.SubjectPrefix, "CLAIMDESK_NATS_PREFIX")
	envOverride(&cfg.Logging.Level, "CLAIMDESK_LOG_LEVEL")
	envOverride(&cfg.Logging.Format, "CLAIMDESK_LOG_FORMAT")

	if os.Getenv("CLAIMDESK_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}

	var errs []error
	errs = append(errs,
		envOverrideInt(&cfg.Server.Port, "CLAIMDESK_PORT"),
		envOverrideInt(&cfg.Repository.PostgresPort, "CLAIMDESK_POSTGRES_PORT"),
		envOverrideDuration(&cfg.Gateway.Timeout, "CLAIMDESK_GATEWAY_TIMEOUT"),
		envOverrideDuration(&cfg.Console.RejectDisplayWindow, "CLAIMDESK_REJECT_WINDOW"),
		envOverrideDuration(&cfg.Console.RedirectDelay, "CLAIMDESK_REDIRECT_DELAY"),
		envOverrideDuration(&cfg.Console.SessionIdleTimeout, "CLAIMDESK_SESSION_IDLE"),
		envOverrideDuration(&cfg.Cache.PayloadTTL, "CLAIMDESK_PAYLOAD_TTL"),
		envOverrideBool(&cfg.Gateway.Breaker.Enabled, "CLAIMDESK_BREAKER"),
		envOverrideBool(&cfg.Tracing.Enabled, "CLAIMDESK_TRACING"),
	)
	return errors.Join(errs...)
}

// Validate rejects configurations the server cannot start with.
func Validate(cfg *domain.Config) error {
	switch cfg.Tier {
	case domain.TierCommunity, domain.TierPro:
	default:
		return fmt.Errorf("%w: unknown tier %q", domain.ErrInvalidInput, cfg.Tier)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("%w: server port %d out of range", domain.ErrInvalidInput, cfg.Server.Port)
	}
	if cfg.Gateway.BaseURL == "" {
		return fmt.Errorf("%w: gateway base URL is required", domain.ErrInvalidInput)
	}
	if cfg.Console.RejectDisplayWindow <= 0 || cfg.Console.RedirectDelay <= 0 {
		return fmt.Errorf("%w: console timings must be positive", domain.ErrInvalidInput)
	}
	return nil
}

// NewLogger builds the process logger from the logging settings.
func NewLogger(cfg domain.LoggingConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func envOverride(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envOverrideInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envOverrideDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func envOverrideBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}
