package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"

	"github.com/angeloszaimis/media-orchestrator/internal/circuitbreaker"
	"github.com/angeloszaimis/media-orchestrator/internal/healthcheck"
	"github.com/angeloszaimis/media-orchestrator/internal/httpserver"
	"github.com/angeloszaimis/media-orchestrator/internal/httpupstream"
	"github.com/angeloszaimis/media-orchestrator/internal/limiter"
	"github.com/angeloszaimis/media-orchestrator/internal/orchestrator"
	"github.com/angeloszaimis/media-orchestrator/internal/registry"
	"github.com/angeloszaimis/media-orchestrator/internal/retry"
)

const EnvPrefix = "MEDIAORCH"

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

const DefaultHealthPath = httpupstream.DefaultHealthPath

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	Environment     string        `mapstructure:"environment"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	AddSource bool   `mapstructure:"add_source"`
}

type OrchestratorConfig struct {
	ConcurrencyLimit    int           `mapstructure:"concurrency_limit"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	ProbeTimeout        time.Duration `mapstructure:"probe_timeout"`
	MetricsBuffer       int           `mapstructure:"metrics_buffer"`
}

// DefaultsConfig applies to every upstream that does not override a field.
type DefaultsConfig struct {
	Breaker circuitbreaker.Config `mapstructure:"breaker"`
	Retry   retry.Policy          `mapstructure:"retry"`
	Timeout time.Duration         `mapstructure:"timeout"`
}

// UpstreamConfig describes one wrapped service. Zero-valued tuning fields
// fall back to DefaultsConfig.
type UpstreamConfig struct {
	Name       string `mapstructure:"name"`
	URL        string `mapstructure:"url"`
	HealthPath string `mapstructure:"health_path"`
	APIKey     string `mapstructure:"api_key"`

	ConcurrencyLimit int           `mapstructure:"concurrency_limit"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Defaults     DefaultsConfig     `mapstructure:"defaults"`
	Upstreams    []UpstreamConfig   `mapstructure:"upstreams"`
}

// SetDefaults registers every scalar key so environment overrides are
// picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.read_timeout", httpserver.DefaultReadTimeout)
	v.SetDefault("server.write_timeout", httpserver.DefaultWriteTimeout)
	v.SetDefault("server.shutdown_timeout", httpserver.DefaultShutdownTimeout)

	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("logging.add_source", false)

	v.SetDefault("orchestrator.concurrency_limit", limiter.DefaultCapacity)
	v.SetDefault("orchestrator.health_check_interval", healthcheck.DefaultInterval)
	v.SetDefault("orchestrator.probe_timeout", healthcheck.DefaultProbeTimeout)
	v.SetDefault("orchestrator.metrics_buffer", 1000)

	v.SetDefault("defaults.breaker.failure_threshold", circuitbreaker.DefaultFailureThreshold)
	v.SetDefault("defaults.breaker.open_timeout", circuitbreaker.DefaultOpenTimeout)
	v.SetDefault("defaults.retry.max_attempts", retry.DefaultMaxAttempts)
	v.SetDefault("defaults.retry.base_delay", retry.DefaultBaseDelay)
	v.SetDefault("defaults.retry.max_delay", retry.DefaultMaxDelay)
	v.SetDefault("defaults.timeout", registry.DefaultTimeout)
}

// SetupEnv maps MEDIAORCH_SERVER_ADDRESS style variables onto keys.
func SetupEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the configuration. An empty file searches ./config and the
// working directory for config.yaml; a missing file there is not an error.
func Load(file string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	SetupEnv(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		slog.Warn("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	return Decode(v)
}

// Decode unmarshals and validates the settings held by v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	for i := range cfg.Upstreams {
		if cfg.Upstreams[i].HealthPath == "" {
			cfg.Upstreams[i].HealthPath = DefaultHealthPath
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Address,
						validation.Required,
						validation.By(httpserver.ValidateAddr),
					),
					validation.Field(&sc.CORSOrigins,
						validation.Each(validation.Required, is.RequestURL),
					),
					validation.Field(&sc.ReadTimeout, validation.Min(time.Duration(0))),
					validation.Field(&sc.WriteTimeout, validation.Min(time.Duration(0))),
					validation.Field(&sc.ShutdownTimeout, validation.Min(time.Duration(0))),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
		validation.Field(&c.Orchestrator,
			validation.By(func(value interface{}) error {
				oc, ok := value.(OrchestratorConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be an OrchestratorConfig")
				}
				if err := validation.Validate(oc.MetricsBuffer, validation.Min(0)); err != nil {
					return validation.Errors{"metrics_buffer": err}
				}
				return c.OrchestratorSettings().Validate()
			}),
		),
		validation.Field(&c.Defaults,
			validation.By(func(value interface{}) error {
				return c.UpstreamSettings(UpstreamConfig{}).Validate()
			}),
		),
		validation.Field(&c.Upstreams,
			validation.Each(validation.By(c.validateUpstream)),
			validation.By(uniqueNames),
		),
	)
}

// OrchestratorSettings converts the orchestrator section.
func (c *Config) OrchestratorSettings() orchestrator.Config {
	return orchestrator.Config{
		ConcurrencyLimit:    c.Orchestrator.ConcurrencyLimit,
		HealthCheckInterval: c.Orchestrator.HealthCheckInterval,
		ProbeTimeout:        c.Orchestrator.ProbeTimeout,
	}
}

// UpstreamSettings merges u's overrides onto the defaults section.
func (c *Config) UpstreamSettings(u UpstreamConfig) registry.Config {
	cfg := registry.Config{
		Breaker:          c.Defaults.Breaker,
		Retry:            c.Defaults.Retry,
		Timeout:          c.Defaults.Timeout,
		ConcurrencyLimit: u.ConcurrencyLimit,
	}

	if u.FailureThreshold != 0 {
		cfg.Breaker.FailureThreshold = u.FailureThreshold
	}
	if u.OpenTimeout != 0 {
		cfg.Breaker.OpenTimeout = u.OpenTimeout
	}
	if u.MaxAttempts != 0 {
		cfg.Retry.MaxAttempts = u.MaxAttempts
	}
	if u.BaseDelay != 0 {
		cfg.Retry.BaseDelay = u.BaseDelay
	}
	if u.MaxDelay != 0 {
		cfg.Retry.MaxDelay = u.MaxDelay
	}
	if u.Timeout != 0 {
		cfg.Timeout = u.Timeout
	}

	return cfg
}

func (c *Config) validateUpstream(value interface{}) error {
	u, ok := value.(UpstreamConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be an UpstreamConfig")
	}

	err := validation.ValidateStruct(&u,
		validation.Field(&u.Name, validation.Required, validation.Length(1, 64)),
		validation.Field(&u.URL, validation.Required, validation.By(validateServerURL)),
		validation.Field(&u.HealthPath, validation.By(validatePath)),
	)
	if err != nil {
		return err
	}

	return c.UpstreamSettings(u).Validate()
}

func uniqueNames(value interface{}) error {
	upstreams, ok := value.([]UpstreamConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a list of upstreams")
	}

	seen := make(map[string]struct{}, len(upstreams))
	for _, u := range upstreams {
		if _, dup := seen[u.Name]; dup {
			return validation.NewError("validation_duplicate_upstream", fmt.Sprintf("upstream %q is listed twice", u.Name))
		}
		seen[u.Name] = struct{}{}
	}

	return nil
}

func validateServerURL(value interface{}) error {
	serverURL, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}

	if parsedURL.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}

	if host := parsedURL.Hostname(); net.ParseIP(host) == nil {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validatePath(value interface{}) error {
	path, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if !strings.HasPrefix(path, "/") {
		return validation.NewError("validation_invalid_path", "must start with /")
	}

	return nil
}
