// Package config loads service configuration from defaults, an optional YAML
// file and TENANT_NOTIFY_ environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "TENANT_NOTIFY_"
	// FileEnv names the variable holding the optional YAML config path.
	FileEnv = EnvPrefix + "CONFIG"
)

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Database      DatabaseConfig      `koanf:"database"`
	Log           LogConfig           `koanf:"log"`
	JWT           JWTConfig           `koanf:"jwt"`
	Notifications NotificationsConfig `koanf:"notifications"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig configures the Postgres pool.
type DatabaseConfig struct {
	URL               string        `koanf:"url"`
	MaxOpenConns      int           `koanf:"max_open_conns"`
	MaxIdleConns      int           `koanf:"max_idle_conns"`
	ConnMaxLifetime   time.Duration `koanf:"conn_max_lifetime"`
	ConnectAttempts   int           `koanf:"connect_attempts"`
	ConnectTimeout    time.Duration `koanf:"connect_timeout"`
	HealthCheckPeriod time.Duration `koanf:"health_check_period"`
	MigrateOnStart    bool          `koanf:"migrate_on_start"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// JWTConfig configures operator token validation.
type JWTConfig struct {
	SecretKey string        `koanf:"secret_key"`
	Issuer    string        `koanf:"issuer"`
	Leeway    time.Duration `koanf:"leeway"`
}

// NotificationsConfig configures the delivery queue.
type NotificationsConfig struct {
	Enabled            bool          `koanf:"enabled"`
	BatchLimit         int           `koanf:"batch_limit"`
	RetryDelay         time.Duration `koanf:"retry_delay"`
	MaxAttempts        int           `koanf:"max_attempts"`
	SendTimeout        time.Duration `koanf:"send_timeout"`
	Concurrency        int           `koanf:"concurrency"`
	ClaimTTL           time.Duration `koanf:"claim_ttl"`
	Schedule           string        `koanf:"schedule"`
	StatsSchedule      string        `koanf:"stats_schedule"`
	RetrySweepSchedule string        `koanf:"retry_sweep_schedule"`
	RunTimeout         time.Duration `koanf:"run_timeout"`
	DefaultCountryCode string        `koanf:"default_country_code"`
	Dedup              DedupConfig   `koanf:"dedup"`
	Email              EmailConfig   `koanf:"email"`
	SMS                SMSConfig     `koanf:"sms"`
	Breaker            BreakerConfig `koanf:"breaker"`
}

// DedupConfig holds the duplicate guard windows.
type DedupConfig struct {
	DefaultWindow time.Duration `koanf:"default_window"`
	OverdueWindow time.Duration `koanf:"overdue_window"`
}

// EmailConfig configures the SMTP sender.
type EmailConfig struct {
	Enabled      bool          `koanf:"enabled"`
	SMTPHost     string        `koanf:"smtp_host"`
	SMTPPort     int           `koanf:"smtp_port"`
	SMTPUser     string        `koanf:"smtp_user"`
	SMTPPassword string        `koanf:"smtp_password"`
	FromAddress  string        `koanf:"from_address"`
	RequireTLS   bool          `koanf:"require_tls"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
}

// SMSConfig configures the SMS gateway sender.
type SMSConfig struct {
	Enabled    bool          `koanf:"enabled"`
	GatewayURL string        `koanf:"gateway_url"`
	APIKey     string        `koanf:"api_key"`
	SenderID   string        `koanf:"sender_id"`
	RateLimit  float64       `koanf:"rate_limit"`
	Burst      int           `koanf:"burst"`
	Timeout    time.Duration `koanf:"timeout"`
}

// BreakerConfig configures the per-channel circuit breaker.
type BreakerConfig struct {
	Enabled          bool          `koanf:"enabled"`
	MaxRequests      uint32        `koanf:"max_requests"`
	Interval         time.Duration `koanf:"interval"`
	Timeout          time.Duration `koanf:"timeout"`
	FailureThreshold float64       `koanf:"failure_threshold"`
	MinRequests      uint32        `koanf:"min_requests"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: time.Hour,
			ConnectAttempts: 5,
			ConnectTimeout:  60 * time.Second,
			MigrateOnStart:  true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		JWT: JWTConfig{
			Leeway: 30 * time.Second,
		},
		Notifications: NotificationsConfig{
			Enabled:            true,
			BatchLimit:         50,
			RetryDelay:         15 * time.Minute,
			MaxAttempts:        3,
			SendTimeout:        30 * time.Second,
			Concurrency:        1,
			ClaimTTL:           5 * time.Minute,
			Schedule:           "@every 1m",
			StatsSchedule:      "@every 30s",
			RunTimeout:         5 * time.Minute,
			DefaultCountryCode: "1",
			Dedup: DedupConfig{
				DefaultWindow: 24 * time.Hour,
				OverdueWindow: 168 * time.Hour,
			},
			Email: EmailConfig{
				SMTPPort:    587,
				DialTimeout: 10 * time.Second,
			},
			SMS: SMSConfig{
				RateLimit: 10,
				Burst:     1,
				Timeout:   10 * time.Second,
			},
			Breaker: BreakerConfig{
				Enabled:          true,
				MaxRequests:      3,
				Interval:         60 * time.Second,
				Timeout:          60 * time.Second,
				FailureThreshold: 0.6,
				MinRequests:      5,
			},
		},
	}
}

// Load reads configuration. The YAML file named by TENANT_NOTIFY_CONFIG is
// optional; environment variables use "__" to separate nested keys, e.g.
// TENANT_NOTIFY_NOTIFICATIONS__EMAIL__SMTP_HOST.
func Load() (*Config, error) {
	return load(os.Getenv(FileEnv))
}

func load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// envKey maps TENANT_NOTIFY_A__B_C to a.b_c.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// Validate checks required values and ranges.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is invalid", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is invalid", c.Log.Format))
	}

	if len(c.JWT.SecretKey) < 32 {
		errs = append(errs, errors.New("jwt.secret_key must be at least 32 characters"))
	}

	errs = append(errs, c.Notifications.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (n *NotificationsConfig) validate() []error {
	if !n.Enabled {
		return nil
	}

	var errs []error

	if n.BatchLimit <= 0 {
		errs = append(errs, errors.New("notifications.batch_limit must be positive"))
	}
	if n.MaxAttempts <= 0 {
		errs = append(errs, errors.New("notifications.max_attempts must be positive"))
	}
	if n.RetryDelay <= 0 {
		errs = append(errs, errors.New("notifications.retry_delay must be positive"))
	}
	if n.SendTimeout <= 0 {
		errs = append(errs, errors.New("notifications.send_timeout must be positive"))
	}
	if n.ClaimTTL <= n.SendTimeout {
		errs = append(errs, errors.New("notifications.claim_ttl must exceed send_timeout"))
	}
	if n.ClaimTTL < n.RunTimeout {
		errs = append(errs, errors.New("notifications.claim_ttl must be at least run_timeout"))
	}
	if n.Dedup.DefaultWindow <= 0 || n.Dedup.OverdueWindow <= 0 {
		errs = append(errs, errors.New("notifications.dedup windows must be positive"))
	}

	schedules := map[string]string{
		"schedule":             n.Schedule,
		"stats_schedule":       n.StatsSchedule,
		"retry_sweep_schedule": n.RetrySweepSchedule,
	}
	for name, spec := range schedules {
		if spec == "" && name == "retry_sweep_schedule" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("notifications.%s: %w", name, err))
		}
	}

	if n.Email.Enabled && (n.Email.SMTPHost == "" || n.Email.FromAddress == "") {
		errs = append(errs, errors.New("notifications.email requires smtp_host and from_address when enabled"))
	}
	if n.SMS.Enabled && (n.SMS.GatewayURL == "" || n.SMS.APIKey == "") {
		errs = append(errs, errors.New("notifications.sms requires gateway_url and api_key when enabled"))
	}

	return errs
}
