package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	envPrefix                = "BACKCHANNEL"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = DriverSQLite
	defaultDatabaseDSN       = "backchannel.db"
	defaultLogLevel          = "info"
	defaultLogEncoding       = "json"
	defaultSessionIssuer     = "tauth"
	defaultCookieName        = "app_session"
	defaultPresenceInterval  = 5 * time.Second
	defaultSendBuffer        = 32
	defaultEventsPerSecond   = 5.0
	defaultEventBurst        = 10
	defaultRelayTopicPrefix  = "backchannel"
	defaultRelayClientPrefix = "backchannel-"

	// DriverSQLite selects the embedded SQLite store.
	DriverSQLite = "sqlite"
	// DriverPostgres selects a PostgreSQL store.
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress string

	DatabaseDriver string
	DatabaseDSN    string

	LogLevel    string
	LogEncoding string

	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string

	PresenceInterval time.Duration

	SendBuffer      int
	EventsPerSecond float64
	EventBurst      int
	AllowedOrigins  []string

	RelayBroker      string
	RelayTopicPrefix string
	RelayClientID    string
}

// RelayEnabled reports whether cross-instance fan-out is configured.
func (c AppConfig) RelayEnabled() bool {
	return strings.TrimSpace(c.RelayBroker) != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("presence.interval", defaultPresenceInterval)
	configViper.SetDefault("realtime.send_buffer", defaultSendBuffer)
	configViper.SetDefault("realtime.events_per_second", defaultEventsPerSecond)
	configViper.SetDefault("realtime.event_burst", defaultEventBurst)
	configViper.SetDefault("realtime.allowed_origins", []string{})
	configViper.SetDefault("relay.topic_prefix", defaultRelayTopicPrefix)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:          configViper.GetString("database.dsn"),
		LogLevel:             configViper.GetString("log.level"),
		LogEncoding:          strings.ToLower(strings.TrimSpace(configViper.GetString("log.encoding"))),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		PresenceInterval:     configViper.GetDuration("presence.interval"),
		SendBuffer:           configViper.GetInt("realtime.send_buffer"),
		EventsPerSecond:      configViper.GetFloat64("realtime.events_per_second"),
		EventBurst:           configViper.GetInt("realtime.event_burst"),
		AllowedOrigins:       splitList(configViper.GetStringSlice("realtime.allowed_origins")),
		RelayBroker:          strings.TrimSpace(configViper.GetString("relay.mqtt_broker")),
		RelayTopicPrefix:     strings.Trim(strings.TrimSpace(configViper.GetString("relay.topic_prefix")), "/"),
		RelayClientID:        strings.TrimSpace(configViper.GetString("relay.client_id")),
	}
	if cfg.RelayEnabled() && cfg.RelayClientID == "" {
		cfg.RelayClientID = defaultRelayClientPrefix + uuid.NewString()
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.LogEncoding {
	case "json", "console":
	default:
		return fmt.Errorf("log.encoding must be json or console, got %q", c.LogEncoding)
	}
	if c.PresenceInterval <= 0 {
		return fmt.Errorf("presence.interval must be positive")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}
	if c.EventsPerSecond <= 0 || c.EventBurst <= 0 {
		return fmt.Errorf("realtime.events_per_second and realtime.event_burst must be positive")
	}
	if c.RelayEnabled() && c.RelayTopicPrefix == "" {
		return fmt.Errorf("relay.topic_prefix is required when relay.mqtt_broker is set")
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated env value.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
