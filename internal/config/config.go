package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when CALLTIMER_CONFIG is not set.
const DefaultPath = "/etc/calltimer/calltimer.yaml"

// ErrMissingMaxDuration is returned when no maximum call duration was configured.
// The upstream deployments disagree on a sane value, so there is no built-in one.
var ErrMissingMaxDuration = errors.New("MAX_CALL_DURATION_SECONDS must be set to a positive number of seconds")

// Config is the main configuration structure
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Timer    TimerConfig    `yaml:"timer"`
	Control  ControlConfig  `yaml:"control"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Host         string `yaml:"host" env:"HOST"`
	Port         int    `yaml:"port" env:"PORT"`
	EnableCORS   bool   `yaml:"enable_cors" env:"ENABLE_CORS"`
	MaxBodyBytes int64  `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
}

type TimerConfig struct {
	MaxCallDurationSeconds int `yaml:"max_call_duration_seconds" env:"MAX_CALL_DURATION_SECONDS"`
	GracePeriodSeconds     int `yaml:"grace_period_seconds" env:"CLEANUP_GRACE_SECONDS"`
	SweepIntervalSeconds   int `yaml:"sweep_interval_seconds" env:"SWEEP_INTERVAL_SECONDS"`
}

type ControlConfig struct {
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds" env:"CONTROL_REQUEST_TIMEOUT_SECONDS"`
	ClosingMessage        string `yaml:"closing_message" env:"CLOSING_MESSAGE"`
	ClosingDelayMillis    int    `yaml:"closing_delay_ms" env:"CLOSING_DELAY_MS"`
}

type WebhookConfig struct {
	// ControlURLSources is the lookup order for the control endpoint: "monitor"
	// reads call.monitor.controlUrl, "call" reads call.controlUrl.
	ControlURLSources []string `yaml:"control_url_sources" env:"CONTROL_URL_SOURCES" envSeparator:","`
	StartTags         []string `yaml:"start_tags" env:"START_TAGS" envSeparator:","`
	EndTags           []string `yaml:"end_tags" env:"END_TAGS" envSeparator:","`
	StartStatuses     []string `yaml:"start_statuses" env:"START_STATUSES" envSeparator:","`
}

type AuthConfig struct {
	JWTSecret         string `yaml:"jwt_secret" env:"JWT_SECRET"`
	AdminUsername     string `yaml:"admin_username" env:"ADMIN_USERNAME"`
	AdminPasswordHash string `yaml:"admin_password_hash" env:"ADMIN_PASSWORD_HASH"`
	TokenTTLHours     int    `yaml:"token_ttl_hours" env:"TOKEN_TTL_HOURS"`
}

type DatabaseConfig struct {
	Enabled      bool   `yaml:"enabled" env:"DB_ENABLED"`
	Host         string `yaml:"host" env:"DB_HOST"`
	Port         int    `yaml:"port" env:"DB_PORT"`
	Username     string `yaml:"username" env:"DB_USERNAME"`
	Password     string `yaml:"password" env:"DB_PASSWORD"`
	Database     string `yaml:"database" env:"DB_DATABASE"`
	MaxOpenConns int    `yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS"`
	MaxIdleConns int    `yaml:"max_idle_conns" env:"DB_MAX_IDLE_CONNS"`
}

type LogConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"`
	File       string `yaml:"file" env:"LOG_FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"LOG_MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"LOG_MAX_BACKUPS"`
}

// Default returns the configuration used before the file and environment are applied.
// MaxCallDurationSeconds is deliberately left at zero.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         3000,
			MaxBodyBytes: 20 << 20,
		},
		Timer: TimerConfig{
			GracePeriodSeconds:   30,
			SweepIntervalSeconds: 10,
		},
		Control: ControlConfig{
			RequestTimeoutSeconds: 10,
			ClosingDelayMillis:    3000,
		},
		Webhook: WebhookConfig{
			ControlURLSources: []string{"monitor", "call"},
			StartStatuses:     []string{"in-progress"},
		},
		Auth: AuthConfig{
			AdminUsername: "admin",
			TokenTTLHours: 24,
		},
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         3306,
			Database:     "calltimer",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 1,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at path,
// the optional .env file and finally the process environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	if err := LoadEnv(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading env file: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads ENV_FILE (or .env) into the process environment.
// Variables that are already set win over the file.
func LoadEnv() error {
	if envfile := os.Getenv("ENV_FILE"); envfile != "" {
		return godotenv.Load(envfile)
	}
	return godotenv.Load()
}

// Validate checks the values the service cannot run without.
func (c *Config) Validate() error {
	if c.Timer.MaxCallDurationSeconds <= 0 {
		return ErrMissingMaxDuration
	}
	if c.Timer.GracePeriodSeconds < 0 {
		return fmt.Errorf("grace period must not be negative, got %d", c.Timer.GracePeriodSeconds)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	for _, src := range c.Webhook.ControlURLSources {
		if src != "monitor" && src != "call" {
			return fmt.Errorf("unknown control url source %q (want monitor or call)", src)
		}
	}
	if c.Database.Enabled && c.Database.Username == "" {
		return errors.New("database enabled but DB_USERNAME is empty")
	}
	return nil
}

// Address returns the listen address of the HTTP server
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (t TimerConfig) MaxDuration() time.Duration {
	return time.Duration(t.MaxCallDurationSeconds) * time.Second
}

func (t TimerConfig) GracePeriod() time.Duration {
	return time.Duration(t.GracePeriodSeconds) * time.Second
}

func (t TimerConfig) SweepInterval() time.Duration {
	return time.Duration(t.SweepIntervalSeconds) * time.Second
}

func (c ControlConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c ControlConfig) ClosingDelay() time.Duration {
	return time.Duration(c.ClosingDelayMillis) * time.Millisecond
}

func (a AuthConfig) TokenTTL() time.Duration {
	return time.Duration(a.TokenTTLHours) * time.Hour
}

// DSN returns the Data Source Name for MySQL
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4",
		d.Username, d.Password, d.Host, d.Port, d.Database)
}
