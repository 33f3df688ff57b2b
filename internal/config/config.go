package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Lock backends.
const (
	LockBackendDatabase = "database"
	LockBackendMemory   = "memory"
)

// Config holds all application configuration.
type Config struct {
	Verbose   bool
	Database  DatabaseConfig
	Lock      LockConfig
	Cache     CacheConfig
	Alerts    AlertsConfig
	Telemetry TelemetryConfig
}

// DatabaseConfig holds database settings.
type DatabaseConfig struct {
	Path string
}

// LockConfig holds per-ticket lock settings.
type LockConfig struct {
	Backend string
	Timeout time.Duration // how long validation waits for a ticket lock
	TTL     time.Duration // lease lifetime for a crashed holder
}

// CacheConfig sizes the ticket read cache.
type CacheConfig struct {
	Size int
	TTL  time.Duration
}

// AlertsConfig selects where insufficient-stock signals go. Logging is always on.
type AlertsConfig struct {
	Kafka KafkaConfig
	Nostr NostrConfig
}

// KafkaConfig holds Kafka producer settings.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Enabled reports whether Kafka alerts are configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0 && k.Topic != ""
}

// NostrConfig holds Nostr note settings.
type NostrConfig struct {
	Relays     []string
	SecretKey  string   // hex secret key used to sign notes
	Recipients []string // npubs or hex pubkeys tagged on each note
}

// Enabled reports whether Nostr alerts are configured.
func (n NostrConfig) Enabled() bool {
	return len(n.Relays) > 0 && n.SecretKey != ""
}

// TelemetryConfig holds OTLP exporter settings. An empty endpoint disables export.
type TelemetryConfig struct {
	Endpoint   string
	AuthHeader string
}

// Load reads configuration from Viper and returns a Config struct.
func Load() (*Config, error) {
	cfg := &Config{
		Verbose: viper.GetBool("verbose"),
		Database: DatabaseConfig{
			Path: viper.GetString("database.path"),
		},
		Lock: LockConfig{
			Backend: viper.GetString("lock.backend"),
			Timeout: viper.GetDuration("lock.timeout"),
			TTL:     viper.GetDuration("lock.ttl"),
		},
		Cache: CacheConfig{
			Size: viper.GetInt("cache.size"),
			TTL:  viper.GetDuration("cache.ttl"),
		},
		Alerts: AlertsConfig{
			Kafka: KafkaConfig{
				Brokers: viper.GetStringSlice("alerts.kafka.brokers"),
				Topic:   viper.GetString("alerts.kafka.topic"),
			},
			Nostr: NostrConfig{
				Relays:     viper.GetStringSlice("alerts.nostr.relays"),
				SecretKey:  viper.GetString("alerts.nostr.secret_key"),
				Recipients: viper.GetStringSlice("alerts.nostr.recipients"),
			},
		},
		Telemetry: TelemetryConfig{
			Endpoint:   viper.GetString("telemetry.endpoint"),
			AuthHeader: viper.GetString("telemetry.auth_header"),
		},
	}

	// Apply defaults
	if cfg.Database.Path == "" {
		cfg.Database.Path = "ticketstock.db"
	}
	if cfg.Lock.Backend == "" {
		cfg.Lock.Backend = LockBackendDatabase
	}
	if cfg.Lock.Timeout <= 0 {
		cfg.Lock.Timeout = 3 * time.Second
	}
	if cfg.Lock.TTL <= 0 {
		cfg.Lock.TTL = 30 * time.Second
	}
	if cfg.Cache.Size <= 0 {
		cfg.Cache.Size = 1024
	}
	if cfg.Cache.TTL <= 0 {
		cfg.Cache.TTL = time.Minute
	}
	if cfg.Alerts.Kafka.Topic == "" && len(cfg.Alerts.Kafka.Brokers) > 0 {
		cfg.Alerts.Kafka.Topic = "inventory-alerts"
	}

	switch cfg.Lock.Backend {
	case LockBackendDatabase, LockBackendMemory:
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Lock.Backend)
	}

	return cfg, nil
}
