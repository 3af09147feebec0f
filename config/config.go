// Package config loads the stampbox configuration from a YAML file, an
// optional .env file and the process environment, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // scanner time zones on hosts without zoneinfo

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Queues    QueuesConfig    `yaml:"queues"`
	Campaigns CampaignsConfig `yaml:"campaigns"`
	Scanner   ScannerConfig   `yaml:"scanner"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig contains the HTTP listener settings.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`      // Default: :8080
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Default: 30s
}

// DatabaseConfig contains the Postgres settings shared by pgx and gorm.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"` // Default: 20
}

// GatewayConfig contains the messaging gateway settings.
type GatewayConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	Timeout        time.Duration `yaml:"timeout"`          // Default: 15s
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"` // Default: 2s
	SendAttempts   int           `yaml:"send_attempts"`    // Default: 3
}

// WebhookConfig contains the provider callback settings.
type WebhookConfig struct {
	APIKey    string `yaml:"api_key"`
	PublicURL string `yaml:"public_url"` // registered on new gateway instances
}

// OutboxConfig contains the outbox poller settings.
type OutboxConfig struct {
	PollingInterval time.Duration `yaml:"polling_interval"` // Default: 5s
	BatchSize       int           `yaml:"batch_size"`       // Default: 10
	MaxRetries      int           `yaml:"max_retries"`      // Default: 3
}

// QueueConfig contains the settings of one logical queue.
type QueueConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	MaxAttempts  int           `yaml:"max_attempts"`  // Default: 3
	BackoffBase  time.Duration `yaml:"backoff_base"`  // Default: 2s
	PollInterval time.Duration `yaml:"poll_interval"` // Default: 1s
	JobTimeout   time.Duration `yaml:"job_timeout"`   // Default: 30m for bulk, 2m for messages
	Lease        time.Duration `yaml:"lease"`         // Default: the larger of 5m and 1.5 x job_timeout
}

// QueuesConfig contains the two logical queues.
type QueuesConfig struct {
	Bulk     QueueConfig `yaml:"bulk"`     // Default concurrency: 5
	Messages QueueConfig `yaml:"messages"` // Default concurrency: 20
}

// CampaignsConfig contains the scheduled campaign sweeper settings.
type CampaignsConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"` // Default: 1m
	SweepBatch    int           `yaml:"sweep_batch"`    // Default: 50
}

// ScannerConfig contains the inactivity scanner settings.
type ScannerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	RunAt    string `yaml:"run_at"`   // HH:MM, Default: 09:00
	Timezone string `yaml:"timezone"` // IANA name, Default: America/Sao_Paulo
}

// RateLimitConfig contains the test send limiter settings.
type RateLimitConfig struct {
	Limit  int           `yaml:"limit"`  // Default: 10
	Window time.Duration `yaml:"window"` // Default: 5m
	Path   string        `yaml:"path"`   // bbolt file, in memory when empty
}

// KafkaConfig contains the producer settings of the event emitter.
type KafkaConfig struct {
	Enabled          bool   `yaml:"enabled"`
	BootstrapServers string `yaml:"bootstrap_servers"`
	ClientID         string `yaml:"client_id"` // Default: stampbox
}

// LoggingConfig contains the logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // Default: info
	Format string `yaml:"format"` // json or console, Default: json
}

// MetricsConfig contains the metrics backend settings.
type MetricsConfig struct {
	Backend        string        `yaml:"backend"`         // prometheus, tally or none. Default: prometheus
	Path           string        `yaml:"path"`            // Default: /metrics
	ReportInterval time.Duration `yaml:"report_interval"` // tally only, Default: 1m
}

// overrides maps environment variables to the fields they replace.
func (c *Config) overrides() map[string]*string {
	return map[string]*string{
		"LISTEN_ADDR":             &c.Server.ListenAddr,
		"DATABASE_URL":            &c.Database.URL,
		"GATEWAY_URL":             &c.Gateway.BaseURL,
		"GATEWAY_API_KEY":         &c.Gateway.APIKey,
		"WEBHOOK_API_KEY":         &c.Webhook.APIKey,
		"WEBHOOK_PUBLIC_URL":      &c.Webhook.PublicURL,
		"KAFKA_BOOTSTRAP_SERVERS": &c.Kafka.BootstrapServers,
		"RATE_LIMIT_PATH":         &c.RateLimit.Path,
		"LOG_LEVEL":               &c.Logging.Level,
		"LOG_FORMAT":              &c.Logging.Format,
		"SCANNER_TIMEZONE":        &c.Scanner.Timezone,
	}
}

// Load reads the YAML file at path (skipped when path is empty), loads the
// given env files (".env" when none is given and it exists) without
// overriding variables already set, and applies the environment overrides.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if len(envFiles) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			envFiles = []string{".env"}
		}
	}
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}
	for name, field := range cfg.overrides() {
		if v, ok := os.LookupEnv(name); ok {
			*field = v
		}
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setDefaults sets default values for configuration.
func (c *Config) setDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 20
	}
	if c.Gateway.Timeout == 0 {
		c.Gateway.Timeout = 15 * time.Second
	}
	if c.Gateway.RetryBaseDelay == 0 {
		c.Gateway.RetryBaseDelay = 2 * time.Second
	}
	if c.Gateway.SendAttempts == 0 {
		c.Gateway.SendAttempts = 3
	}
	if c.Outbox.PollingInterval == 0 {
		c.Outbox.PollingInterval = 5 * time.Second
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 10
	}
	if c.Outbox.MaxRetries == 0 {
		c.Outbox.MaxRetries = 3
	}
	c.Queues.Bulk.setDefaults(5, 30*time.Minute)
	c.Queues.Messages.setDefaults(20, 2*time.Minute)
	if c.Campaigns.SweepInterval == 0 {
		c.Campaigns.SweepInterval = time.Minute
	}
	if c.Campaigns.SweepBatch == 0 {
		c.Campaigns.SweepBatch = 50
	}
	if c.Scanner.RunAt == "" {
		c.Scanner.RunAt = "09:00"
	}
	if c.Scanner.Timezone == "" {
		c.Scanner.Timezone = "America/Sao_Paulo"
	}
	if c.RateLimit.Limit == 0 {
		c.RateLimit.Limit = 10
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = 5 * time.Minute
	}
	if c.Kafka.ClientID == "" {
		c.Kafka.ClientID = "stampbox"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Metrics.Backend == "" {
		c.Metrics.Backend = "prometheus"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.ReportInterval == 0 {
		c.Metrics.ReportInterval = time.Minute
	}
}

func (q *QueueConfig) setDefaults(concurrency int, jobTimeout time.Duration) {
	if q.Concurrency == 0 {
		q.Concurrency = concurrency
	}
	if q.MaxAttempts == 0 {
		q.MaxAttempts = 3
	}
	if q.BackoffBase == 0 {
		q.BackoffBase = 2 * time.Second
	}
	if q.PollInterval == 0 {
		q.PollInterval = time.Second
	}
	if q.JobTimeout == 0 {
		q.JobTimeout = jobTimeout
	}
	if q.Lease == 0 {
		q.Lease = max(5*time.Minute, q.JobTimeout+q.JobTimeout/2)
	}
}

// Validate validates the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url (DATABASE_URL) is required"))
	}
	if c.Gateway.BaseURL == "" {
		errs = append(errs, errors.New("gateway.base_url (GATEWAY_URL) is required"))
	}
	if c.Gateway.APIKey == "" {
		errs = append(errs, errors.New("gateway.api_key (GATEWAY_API_KEY) is required"))
	}
	if c.Webhook.APIKey == "" {
		errs = append(errs, errors.New("webhook.api_key (WEBHOOK_API_KEY) is required"))
	}
	if c.Kafka.Enabled && c.Kafka.BootstrapServers == "" {
		errs = append(errs, errors.New("kafka.bootstrap_servers is required when kafka is enabled"))
	}
	for name, q := range map[string]QueueConfig{"bulk": c.Queues.Bulk, "messages": c.Queues.Messages} {
		if q.Lease < q.JobTimeout {
			errs = append(errs, fmt.Errorf("queues.%s.lease %s is shorter than job_timeout %s", name, q.Lease, q.JobTimeout))
		}
	}
	if _, _, err := c.Scanner.Schedule(); err != nil {
		errs = append(errs, err)
	}
	switch c.Metrics.Backend {
	case "prometheus", "tally", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown metrics backend '%s'", c.Metrics.Backend))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown logging format '%s'", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// Schedule returns the daily run time as an offset from midnight and the
// location it refers to.
func (s ScannerConfig) Schedule() (time.Duration, *time.Location, error) {
	hm, err := time.Parse("15:04", strings.TrimSpace(s.RunAt))
	if err != nil {
		return 0, nil, fmt.Errorf("scanner.run_at '%s' is not a HH:MM time", s.RunAt)
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return 0, nil, fmt.Errorf("scanner.timezone: %w", err)
	}
	return time.Duration(hm.Hour())*time.Hour + time.Duration(hm.Minute())*time.Minute, loc, nil
}
