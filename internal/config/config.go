package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/throttle"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const EnvPrefix = "GATEWAY"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Throttle ThrottleConfig `mapstructure:"throttle"`
	Routes   []RouteConfig  `mapstructure:"routes"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Environment     string        `mapstructure:"environment"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TrustedProxies  []string      `mapstructure:"trusted_proxies"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (r RedisConfig) GetRedisAddr() string {
	return r.Host + ":" + r.Port
}

// An empty DSN runs the gateway without API keys or policy overrides
type DatabaseConfig struct {
	DSN   string `mapstructure:"dsn"`
	Debug bool   `mapstructure:"debug"`
}

func (d DatabaseConfig) Enabled() bool {
	return d.DSN != ""
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	// Guards /admin and /v1/admission when set
	AdminToken string `mapstructure:"admin_token"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type ThrottleConfig struct {
	// redis or memory
	Store    string            `mapstructure:"store"`
	FailOpen bool              `mapstructure:"fail_open"`
	MaxDelay time.Duration     `mapstructure:"max_delay"`
	Breaker  BreakerConfig     `mapstructure:"breaker"`
	Default  throttle.Policy   `mapstructure:"default"`
	Policies []throttle.Policy `mapstructure:"policies"`
}

type BreakerConfig struct {
	MaxFailures int           `mapstructure:"max_failures"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// RouteConfig maps a path prefix to an upstream. Exempt routes bypass throttling.
type RouteConfig struct {
	Path   string `mapstructure:"path"`
	Target string `mapstructure:"target"`
	Scope  string `mapstructure:"scope"`
	Exempt bool   `mapstructure:"exempt"`
}

// Load reads path (or ./config.yaml when empty), applies GATEWAY_* overrides and validates the result
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "5s")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.debug", false)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.admin_token", "")

	v.SetDefault("logging.level", "info")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("throttle.store", "redis")
	v.SetDefault("throttle.fail_open", false)
	v.SetDefault("throttle.max_delay", "0s")
	v.SetDefault("throttle.breaker.max_failures", 5)
	v.SetDefault("throttle.breaker.timeout", "30s")
	v.SetDefault("throttle.default.scope", throttle.DefaultScope)
	v.SetDefault("throttle.default.limit", 60)
	v.SetDefault("throttle.default.window", "1m")
	v.SetDefault("throttle.default.cost", 1)
}

// Validate rejects configurations the gateway cannot serve
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server.port is required")
	}

	switch c.Throttle.Store {
	case "redis", "memory":
	default:
		return fmt.Errorf("throttle.store must be redis or memory, got %q", c.Throttle.Store)
	}

	if c.Throttle.MaxDelay < 0 {
		return errors.New("throttle.max_delay must not be negative")
	}

	if _, err := c.Registry(); err != nil {
		return fmt.Errorf("throttle policies: %w", err)
	}

	seen := make(map[string]bool, len(c.Routes))
	for i, r := range c.Routes {
		if !strings.HasPrefix(r.Path, "/") {
			return fmt.Errorf("routes[%d]: path must start with /", i)
		}
		if seen[r.Path] {
			return fmt.Errorf("routes[%d]: duplicate path %s", i, r.Path)
		}
		seen[r.Path] = true

		target, err := url.Parse(r.Target)
		if err != nil || target.Scheme == "" || target.Host == "" {
			return fmt.Errorf("routes[%d]: invalid target %q", i, r.Target)
		}
	}

	return nil
}

// Registry builds the policy table from the file configuration alone
func (c *Config) Registry() (*throttle.Registry, error) {
	return throttle.NewRegistry(c.Throttle.Default, c.Throttle.Policies...)
}

// RouteScope returns the throttle scope for a route, defaulting to its path
func (r RouteConfig) RouteScope() string {
	if r.Scope != "" {
		return r.Scope
	}
	return strings.Trim(r.Path, "/")
}
