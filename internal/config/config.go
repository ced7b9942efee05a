package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvTest        = "test"
	EnvProduction  = "production"

	TokenBackendMemory = "memory"
	TokenBackendRedis  = "redis"
)

// Config captures application runtime configuration loaded from the environment and an
// optional file named by CONFIG_FILE.
type Config struct {
	AppName         string        `mapstructure:"APP_NAME"`
	AppEnv          string        `mapstructure:"APP_ENV"`
	Port            string        `mapstructure:"PORT"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	RedisURL        string        `mapstructure:"REDIS_URL"`
	ShutdownPeriod  time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
	IdempotencyTTL  time.Duration `mapstructure:"IDEMPOTENCY_TTL"`
	JWTSecret       string        `mapstructure:"JWT_SECRET"`
	RefreshSecret   string        `mapstructure:"REFRESH_SECRET"`
	AccessTokenTTL  time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`
	RefreshTokenTTL time.Duration `mapstructure:"REFRESH_TOKEN_TTL"`
	BankerPhone     string        `mapstructure:"BANKER_PHONE"`
	BankerPIN       string        `mapstructure:"BANKER_PIN"`
	CustodyID       string        `mapstructure:"CUSTODY_ID"`
	TokenBackend    string        `mapstructure:"TOKEN_BACKEND"`
	TokenName       string        `mapstructure:"TOKEN_NAME"`
	EventStream     string        `mapstructure:"EVENT_STREAM"`
	LoginRateLimit  int           `mapstructure:"LOGIN_RATE_LIMIT"`
	MigrateOnStart  bool          `mapstructure:"MIGRATE_ON_START"`
}

var defaults = map[string]any{
	"APP_NAME":          "TokenBank",
	"APP_ENV":           EnvDevelopment,
	"PORT":              "8080",
	"LOG_LEVEL":         "info",
	"DATABASE_URL":      "",
	"REDIS_URL":         "",
	"SHUTDOWN_TIMEOUT":  10 * time.Second,
	"IDEMPOTENCY_TTL":   24 * time.Hour,
	"JWT_SECRET":        "",
	"REFRESH_SECRET":    "",
	"ACCESS_TOKEN_TTL":  15 * time.Minute,
	"REFRESH_TOKEN_TTL": 7 * 24 * time.Hour,
	"BANKER_PHONE":      "",
	"BANKER_PIN":        "",
	"CUSTODY_ID":        "bank:custody",
	"TOKEN_BACKEND":     TokenBackendMemory,
	"TOKEN_NAME":        "dai",
	"EVENT_STREAM":      "tokenbank:events",
	"LOGIN_RATE_LIMIT":  5,
	"MIGRATE_ON_START":  true,
}

// Load reads configuration values and validates the ones the process cannot start without.
func Load() (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.AppEnv = strings.ToLower(strings.TrimSpace(cfg.AppEnv))
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.TokenBackend = strings.ToLower(cfg.TokenBackend)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.BankerPhone == "" || c.BankerPIN == "" {
		errs = append(errs, errors.New("BANKER_PHONE and BANKER_PIN must be set"))
	}
	if c.CustodyID == "" {
		errs = append(errs, errors.New("CUSTODY_ID must be set"))
	}
	switch c.TokenBackend {
	case TokenBackendMemory:
	case TokenBackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL must be set for the redis token backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown TOKEN_BACKEND %q", c.TokenBackend))
	}

	if !c.IsDevelopment() {
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL must be set"))
		}
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL must be set"))
		}
		if c.JWTSecret == "" {
			errs = append(errs, errors.New("JWT_SECRET must be set"))
		}
	} else {
		if c.JWTSecret == "" {
			c.JWTSecret = "dev-access-secret"
		}
	}
	if c.RefreshSecret == "" {
		c.RefreshSecret = c.JWTSecret + ":refresh"
	}
	return errors.Join(errs...)
}

// IsDevelopment reports whether the process runs with development conveniences enabled.
func (c Config) IsDevelopment() bool {
	return c.AppEnv == EnvDevelopment || c.AppEnv == EnvTest
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}
