// Package config provides configuration loading and validation for sentrix.
// Supports YAML files with ${VAR:-default} environment expansion.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file read by Load.
const DefaultPath = "configuration.yaml"

// PathEnv names the environment variable that overrides DefaultPath.
const PathEnv = "SENTRIX_CONFIG"

// Config holds all configuration for a sentrix process.
type Config struct {
	DeployID      string              `yaml:"deployId"`
	Site          SiteConfig          `yaml:"site"`
	Workers       WorkersConfig       `yaml:"workers"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Relay         RelayConfig         `yaml:"relay"`
	Database      DatabaseConfig      `yaml:"database"`
	Estimator     EstimatorConfig     `yaml:"estimator"`
	Shutdown      ShutdownConfig      `yaml:"shutdown"`
	Observability ObservabilityConfig `yaml:"observability"`
	Model         ModelConfig         `yaml:"model"`
}

// SiteConfig is the public classification API listener.
type SiteConfig struct {
	Host string    `yaml:"host"`
	Port int       `yaml:"port"`
	TLS  TLSConfig `yaml:"tls"`
}

// TLSConfig enables TLS on the site listener. Certificates are reloaded when
// the files change.
type TLSConfig struct {
	Enabled       bool          `yaml:"enabled"`
	CertFile      string        `yaml:"certFile"`
	KeyFile       string        `yaml:"keyFile"`
	CheckInterval time.Duration `yaml:"checkInterval"`
}

// Addr returns host:port.
func (s SiteConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// WorkersConfig controls the worker processes spawned by the server.
type WorkersConfig struct {
	Count int `yaml:"count"`
	// RestartDelay is how long the server waits before respawning a crashed worker.
	RestartDelay time.Duration `yaml:"restartDelay"`
}

// MetricsConfig is the owner-process health and metrics listener.
type MetricsConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port.
func (m MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// RelayConfig configures the channel carrying metric updates from workers.
type RelayConfig struct {
	// Transport is "socket" or "kafka".
	Transport string `yaml:"transport"`
	// Network and Address locate the owner's relay listener ("unix" or "tcp").
	Network string `yaml:"network"`
	Address string `yaml:"address"`
	// QueueSize bounds the in-process channel between relay readers and the consumer.
	QueueSize    int           `yaml:"queueSize"`
	MaxFrameSize int           `yaml:"maxFrameSize"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	Kafka        KafkaConfig   `yaml:"kafka"`
}

// KafkaConfig configures the Kafka relay transport.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Group   string   `yaml:"group"`
}

// DatabaseConfig configures the durable store.
type DatabaseConfig struct {
	DSN              string        `yaml:"dsn"`
	MaxConns         int32         `yaml:"maxConns"`
	StatementTimeout time.Duration `yaml:"statementTimeout"`
}

// EstimatorConfig configures the backlog and processing-delay estimator.
type EstimatorConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	Window      time.Duration `yaml:"window"`
	BucketWidth time.Duration `yaml:"bucketWidth"`
	MaxWorkers  int           `yaml:"maxWorkers"`
	// RestoreOnStart loads persisted metric rows before the first cycle.
	RestoreOnStart bool `yaml:"restoreOnStart"`
}

// ShutdownConfig configures graceful drain.
type ShutdownConfig struct {
	DrainTimeout time.Duration `yaml:"drainTimeout"`
	GracePeriod  time.Duration `yaml:"gracePeriod"`
}

// ObservabilityConfig configures logging.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
}

// ModelConfig names the classifier model served by the API.
type ModelConfig struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		DeployID: "local",
		Site: SiteConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Workers: WorkersConfig{
			Count:        4,
			RestartDelay: time.Second,
		},
		Metrics: MetricsConfig{
			Host: "0.0.0.0",
			Port: 9090,
		},
		Relay: RelayConfig{
			Transport:    "socket",
			Network:      "unix",
			Address:      "/tmp/sentrix-metrics.sock",
			QueueSize:    4096,
			MaxFrameSize: 64 * 1024,
			DialTimeout:  5 * time.Second,
			Kafka: KafkaConfig{
				Topic: "sentrix-metric-updates",
				Group: "sentrix-metrics",
			},
		},
		Database: DatabaseConfig{
			DSN:              "postgres://sentrix@localhost:5432/sentrix",
			MaxConns:         8,
			StatementTimeout: 60 * time.Second,
		},
		Estimator: EstimatorConfig{
			Enabled:        true,
			Interval:       30 * time.Second,
			Window:         72 * time.Hour,
			BucketWidth:    5 * time.Minute,
			MaxWorkers:     8,
			RestoreOnStart: true,
		},
		Shutdown: ShutdownConfig{
			DrainTimeout: 60 * time.Second,
			GracePeriod:  2 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
		Model: ModelConfig{
			Name: "keywords",
		},
	}
}

// Load reads the file named by SENTRIX_CONFIG, or DefaultPath. A missing
// DefaultPath yields Default().
func Load() (*Config, error) {
	if p := os.Getenv(PathEnv); p != "" {
		return LoadFromPath(p)
	}
	cfg, err := LoadFromPath(DefaultPath)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// LoadFromPath reads and validates a YAML configuration file.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse expands environment references in data, decodes it over Default()
// and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{((?:[^:}]|:[^-}])+):-([^}]*)\}`)

// ExpandEnv replaces every ${NAME:-default} with the value of NAME, or
// default when NAME is unset.
func ExpandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(m string) string {
		sub := envPattern.FindStringSubmatch(m)
		if v, ok := os.LookupEnv(sub[1]); ok {
			return v
		}
		return sub[2]
	})
}

// Validate checks the configuration for values the process cannot run with.
func (c *Config) Validate() error {
	var errs []string
	if c.Site.Port <= 0 || c.Site.Port > 65535 {
		errs = append(errs, fmt.Sprintf("site.port out of range: %d", c.Site.Port))
	}
	if c.Site.TLS.Enabled && (c.Site.TLS.CertFile == "" || c.Site.TLS.KeyFile == "") {
		errs = append(errs, "site.tls requires certFile and keyFile when enabled")
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		errs = append(errs, fmt.Sprintf("metrics.port out of range: %d", c.Metrics.Port))
	}
	if c.Workers.Count < 0 {
		errs = append(errs, "workers.count must be >= 0")
	}
	switch c.Relay.Transport {
	case "socket":
		if c.Relay.Network != "unix" && c.Relay.Network != "tcp" {
			errs = append(errs, fmt.Sprintf("relay.network must be unix or tcp, got %q", c.Relay.Network))
		}
		if c.Relay.Address == "" {
			errs = append(errs, "relay.address is required")
		}
	case "kafka":
		if len(c.Relay.Kafka.Brokers) == 0 {
			errs = append(errs, "relay.kafka.brokers is required for the kafka transport")
		}
	default:
		errs = append(errs, fmt.Sprintf("relay.transport must be socket or kafka, got %q", c.Relay.Transport))
	}
	if c.Relay.QueueSize <= 0 {
		errs = append(errs, "relay.queueSize must be > 0")
	}
	if c.Estimator.Enabled {
		if c.Estimator.BucketWidth <= 0 || c.Estimator.Window < c.Estimator.BucketWidth {
			errs = append(errs, "estimator.window must be >= estimator.bucketWidth > 0")
		}
		if c.Estimator.Interval <= 0 {
			errs = append(errs, "estimator.interval must be > 0")
		}
	}
	if c.Shutdown.DrainTimeout <= 0 {
		errs = append(errs, "shutdown.drainTimeout must be > 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}
