package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Server kinds accepted in the servers list.
const (
	KindHyperion  = "hyperion"
	KindMotioneye = "motioneye"
)

// Config represents the daemon configuration
type Config struct {
	Servers         []ServerConfig   `yaml:"servers"`
	MQTT            MQTTConfig       `yaml:"mqtt"`
	Database        DatabaseConfig   `yaml:"database"`
	Log             LogConfig        `yaml:"log"`
	Status          StatusConfig     `yaml:"status"`
	Journal         JournalConfig    `yaml:"journal"`
	EventBus        EventBusConfig   `yaml:"eventbus"`
	Reconciler      ReconcilerConfig `yaml:"reconciler"`
	ShutdownTimeout Duration         `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// ServerConfig describes one watched server (one config entry).
type ServerConfig struct {
	ID   string `yaml:"id"`   // Optional; generated when empty
	Kind string `yaml:"kind"` // "hyperion" or "motioneye"

	// Lighting server address (kind: hyperion)
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Token string `yaml:"token"`

	// Camera server address (kind: motioneye)
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	Options   OptionsConfig   `yaml:"options"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// OptionsConfig contains the per-entry tunables
type OptionsConfig struct {
	Priority       int      `yaml:"priority"`        // Server priority for light writes (default: 128)
	PollInterval   Duration `yaml:"poll_interval"`   // Camera roster poll cadence (default: 30s)
	ResyncInterval Duration `yaml:"resync_interval"` // Lighting roster re-read cadence (default: 5m)
}

// ReconnectConfig contains connection retry settings
type ReconnectConfig struct {
	MinRetryBackoff Duration `yaml:"min_retry_backoff"` // Minimum backoff between reconnects (default: 1s)
	MaxRetryBackoff Duration `yaml:"max_retry_backoff"` // Maximum backoff between reconnects (default: 2m)
	RetryMultiplier float64  `yaml:"retry_multiplier"`  // Backoff multiplier (default: 2.0)
	MaxReconnects   int      `yaml:"max_reconnects"`    // Max reconnect attempts, 0 = infinite (default: 0)
}

// MQTTConfig contains broker connection and topic settings
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // e.g. mqtt://localhost:1883
	ClientID        string `yaml:"client_id"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	BaseTopic       string `yaml:"base_topic"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	QoS             byte   `yaml:"qos"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	JSON   bool   `yaml:"json"`
	Colors bool   `yaml:"colors"`
}

// StatusConfig contains status API server settings
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// JournalConfig contains journal retention settings
type JournalConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 4)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 100)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// ReconcilerConfig contains reconciler settings
type ReconcilerConfig struct {
	RateLimitRPS float64 `yaml:"rate_limit_rps"` // Entity connect attempts per second, across entries
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./rosterd.sqlite"
	}

	// MQTT defaults
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "rosterd"
	}
	if cfg.MQTT.BaseTopic == "" {
		cfg.MQTT.BaseTopic = "rosterd"
	}
	if cfg.MQTT.DiscoveryPrefix == "" {
		cfg.MQTT.DiscoveryPrefix = "homeassistant"
	}

	// Per-server defaults
	for i := range cfg.Servers {
		s := &cfg.Servers[i]
		if s.Options.PollInterval == 0 {
			s.Options.PollInterval = Duration(30 * time.Second)
		}
		if s.Options.ResyncInterval == 0 {
			s.Options.ResyncInterval = Duration(5 * time.Minute)
		}
		if s.Reconnect.MinRetryBackoff == 0 {
			s.Reconnect.MinRetryBackoff = Duration(1 * time.Second)
		}
		if s.Reconnect.MaxRetryBackoff == 0 {
			s.Reconnect.MaxRetryBackoff = Duration(2 * time.Minute)
		}
		if s.Reconnect.RetryMultiplier == 0 {
			s.Reconnect.RetryMultiplier = 2.0
		}
		// MaxReconnects defaults to 0 (infinite), no need to set
	}

	// Journal defaults
	if cfg.Journal.CleanupInterval == 0 {
		cfg.Journal.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Journal.RetentionDays == 0 {
		cfg.Journal.RetentionDays = 30
	}

	// Status API defaults
	if cfg.Status.Port == 0 {
		cfg.Status.Port = 9090
	}
	if cfg.Status.Host == "" {
		cfg.Status.Host = "0.0.0.0"
	}

	// Reconciler defaults
	if cfg.Reconciler.RateLimitRPS == 0 {
		cfg.Reconciler.RateLimitRPS = 10.0 // 10 connect attempts per second
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate rejects configurations the daemon could not start with.
func validate(cfg *Config) error {
	seen := make(map[string]bool)
	for i, s := range cfg.Servers {
		switch s.Kind {
		case KindHyperion:
			if s.Host == "" {
				return fmt.Errorf("servers[%d]: hyperion server requires a host", i)
			}
		case KindMotioneye:
			if s.URL == "" {
				return fmt.Errorf("servers[%d]: motioneye server requires a url", i)
			}
		default:
			return fmt.Errorf("servers[%d]: unknown kind %q", i, s.Kind)
		}
		if s.ID != "" {
			if seen[s.ID] {
				return fmt.Errorf("servers[%d]: duplicate id %q", i, s.ID)
			}
			seen[s.ID] = true
		}
	}
	return nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}

// ExpandEnvString expands a single string with environment variables
func ExpandEnvString(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return expandEnvVars(s)
	}
	return s
}
