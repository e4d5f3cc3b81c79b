package server

import (
	"fmt"
	"time"

	"github.com/sergey-chuvayev/dust/internal/database"
	"github.com/sergey-chuvayev/dust/pkg/connectors/gdrive"
	"github.com/sergey-chuvayev/dust/pkg/events"
	"github.com/sergey-chuvayev/dust/pkg/index"
	syncpkg "github.com/sergey-chuvayev/dust/pkg/sync"
)

// Config is the top-level service configuration, loaded from YAML with
// environment overrides.
type Config struct {
	// Server settings
	Host string `yaml:"host" env:"SERVER_HOST"`
	Port int    `yaml:"port" env:"SERVER_PORT"`

	// Timeouts
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// LogLevel and LogFormat configure the structured logger.
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`

	// EventsEnabled toggles the Kafka lifecycle event stream.
	EventsEnabled bool `yaml:"events_enabled" env:"EVENTS_ENABLED"`

	// Schedules, in cron syntax, for the background maintenance jobs.
	WebhookRenewalSchedule string `yaml:"webhook_renewal_schedule"`
	WebhookPurgeSchedule   string `yaml:"webhook_purge_schedule"`

	Database *database.Config       `yaml:"database"`
	Drive    *gdrive.ClientConfig   `yaml:"drive"`
	Auth     *gdrive.AuthConfig     `yaml:"auth"`
	Index    *index.Config          `yaml:"index"`
	Events   events.ProducerConfig  `yaml:"events"`
	Sync     *syncpkg.Config        `yaml:"sync"`
}

// DefaultConfig returns a default service configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:                   "0.0.0.0",
		Port:                   8080,
		ReadTimeout:            30 * time.Second,
		WriteTimeout:           30 * time.Second,
		IdleTimeout:            120 * time.Second,
		ShutdownTimeout:        30 * time.Second,
		LogLevel:               "info",
		LogFormat:              "json",
		EventsEnabled:          false,
		WebhookRenewalSchedule: "@every 10m",
		WebhookPurgeSchedule:   "@daily",
		Database:               database.DefaultConfig(),
		Drive:                  gdrive.DefaultClientConfig(),
		Auth:                   gdrive.DefaultAuthConfig(),
		Index:                  index.DefaultConfig(),
		Events:                 events.DefaultProducerConfig(),
		Sync:                   syncpkg.DefaultConfig(),
	}
}

// Address returns the listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks the configuration for obvious misconfiguration.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Sync == nil || c.Sync.NotificationURL == "" {
		return fmt.Errorf("sync.notification_url is required for push notifications")
	}
	return nil
}
