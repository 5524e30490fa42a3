package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"github.com/jwalitptl/patient-console/pkg/validator"
)

// EnvPrefix is the prefix of environment overrides, e.g. CONSOLE_UPSTREAM_URL.
const EnvPrefix = "CONSOLE"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Upstream   UpstreamConfig   `mapstructure:"upstream"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Directory  DirectoryConfig  `mapstructure:"directory"`
	Session    SessionConfig    `mapstructure:"session"`
	Toast      ToastConfig      `mapstructure:"toast"`
	ChangeFeed ChangeFeedConfig `mapstructure:"changefeed"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	Mode            string        `mapstructure:"mode" validate:"oneof=debug release test"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// RateLimit is requests per second per console; 0 disables limiting.
	RateLimit      float64  `mapstructure:"rate_limit" validate:"min=0"`
	RateBurst      int      `mapstructure:"rate_burst" validate:"min=0"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	MetricsPrefix  string   `mapstructure:"metrics_prefix"`
}

type UpstreamConfig struct {
	BaseURL   string        `mapstructure:"base_url" validate:"required,url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit" validate:"min=0"`
	RateBurst int           `mapstructure:"rate_burst" validate:"min=0"`
	Token     TokenConfig   `mapstructure:"service_token"`
}

type TokenConfig struct {
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	Audience string        `mapstructure:"audience"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type BreakerConfig struct {
	ConsecutiveFailures int           `mapstructure:"consecutive_failures" validate:"min=1"`
	MaxRequests         int           `mapstructure:"max_requests" validate:"min=0"`
	Interval            time.Duration `mapstructure:"interval"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

type DirectoryConfig struct {
	PageSize int `mapstructure:"page_size" validate:"min=1,max=100"`
}

type SessionConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	CookieName      string        `mapstructure:"cookie_name" validate:"required"`
	SecureCookie    bool          `mapstructure:"secure_cookie"`
}

type ToastConfig struct {
	Duration      time.Duration `mapstructure:"duration"`
	ErrorDuration time.Duration `mapstructure:"error_duration"`
}

type ChangeFeedConfig struct {
	Driver   string `mapstructure:"driver" validate:"oneof=memory redis"`
	Channel  string `mapstructure:"channel"`
	RedisURL string `mapstructure:"redis_url" validate:"required_if=Driver redis"`
	Buffer   int    `mapstructure:"buffer" validate:"min=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

// envOverlay lists the settings deployments override most. Unset variables
// leave the file value in place.
type envOverlay struct {
	Port            *int           `envconfig:"PORT"`
	Mode            *string        `envconfig:"MODE"`
	UpstreamURL     *string        `envconfig:"UPSTREAM_URL"`
	UpstreamTimeout *time.Duration `envconfig:"UPSTREAM_TIMEOUT"`
	TokenSecret     *string        `envconfig:"SERVICE_TOKEN_SECRET"`
	PageSize        *int           `envconfig:"PAGE_SIZE"`
	SessionTTL      *time.Duration `envconfig:"SESSION_TTL"`
	FeedDriver      *string        `envconfig:"CHANGEFEED_DRIVER"`
	RedisURL        *string        `envconfig:"REDIS_URL"`
	LogLevel        *string        `envconfig:"LOG_LEVEL"`
	LogFormat       *string        `envconfig:"LOG_FORMAT"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.rate_limit", 50)
	v.SetDefault("server.rate_burst", 100)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:4200"})
	v.SetDefault("server.metrics_prefix", "patient_console")

	v.SetDefault("upstream.base_url", "http://localhost:8080")
	v.SetDefault("upstream.timeout", 10*time.Second)
	v.SetDefault("upstream.rate_limit", 20)
	v.SetDefault("upstream.rate_burst", 40)
	v.SetDefault("upstream.service_token.issuer", "patient-console")
	v.SetDefault("upstream.service_token.ttl", 5*time.Minute)

	v.SetDefault("breaker.consecutive_failures", 5)
	v.SetDefault("breaker.max_requests", 1)
	v.SetDefault("breaker.interval", time.Minute)
	v.SetDefault("breaker.timeout", 30*time.Second)

	v.SetDefault("directory.page_size", 10)

	v.SetDefault("session.ttl", 30*time.Minute)
	v.SetDefault("session.cleanup_interval", 5*time.Minute)
	v.SetDefault("session.cookie_name", "console_session")

	v.SetDefault("toast.duration", 4*time.Second)
	v.SetDefault("toast.error_duration", 6*time.Second)

	v.SetDefault("changefeed.driver", "memory")
	v.SetDefault("changefeed.channel", "patient-console.changes")
	v.SetDefault("changefeed.buffer", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// LoadConfig reads path, or config.yaml from the usual places when path is
// empty, then applies CONSOLE_* environment overrides. A missing file is not
// an error; defaults apply.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/app/config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	cfg.Upstream.BaseURL = strings.TrimRight(cfg.Upstream.BaseURL, "/")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	var env envOverlay
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	set(&cfg.Server.Port, env.Port)
	set(&cfg.Server.Mode, env.Mode)
	set(&cfg.Upstream.BaseURL, env.UpstreamURL)
	set(&cfg.Upstream.Timeout, env.UpstreamTimeout)
	set(&cfg.Upstream.Token.Secret, env.TokenSecret)
	set(&cfg.Directory.PageSize, env.PageSize)
	set(&cfg.Session.TTL, env.SessionTTL)
	set(&cfg.ChangeFeed.Driver, env.FeedDriver)
	set(&cfg.ChangeFeed.RedisURL, env.RedisURL)
	set(&cfg.Log.Level, env.LogLevel)
	set(&cfg.Log.Format, env.LogFormat)
	return nil
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func (c *Config) Validate() error {
	if err := validator.New().Validate(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Addr is the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
