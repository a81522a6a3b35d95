package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the relay's runtime configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Broker    BrokerConfig    `yaml:"broker"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Hub       HubConfig       `yaml:"hub"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"` // empty or "*" allows any origin
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type BrokerConfig struct {
	Kind    string `yaml:"kind"` // redis, nats
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`

	// NATS client-side reconnect settings.
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// ReconnectConfig bounds the subscriber's re-subscribe backoff. A zero
// MaxElapsedTime retries forever.
type ReconnectConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time"`
}

type HubConfig struct {
	SendTimeout  time.Duration `yaml:"send_timeout"`
	SendBuffer   int           `yaml:"send_buffer"`
	MaxClients   int           `yaml:"max_clients"` // 0 means unbounded
	PingInterval time.Duration `yaml:"ping_interval"`
	PongWait     time.Duration `yaml:"pong_wait"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":4000",
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 15 * time.Second,
		},
		Broker: BrokerConfig{
			Kind:          "redis",
			URL:           "redis://localhost:6379",
			Channel:       "employee-events",
			MaxReconnect:  -1,
			ReconnectWait: 2 * time.Second,
		},
		Reconnect: ReconnectConfig{
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
		Hub: HubConfig{
			SendTimeout:  5 * time.Second,
			SendBuffer:   32,
			PingInterval: 30 * time.Second,
			PongWait:     60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path over the defaults and then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv honours the variable names the Node.js server used (PORT,
// REDIS_URL) plus relay-specific ones.
func (c *Config) applyEnv() error {
	if port := os.Getenv("PORT"); port != "" {
		c.HTTP.Addr = ":" + port
	}
	if kind := os.Getenv("RELAY_BROKER"); kind != "" {
		c.Broker.Kind = kind
	}
	switch c.Broker.Kind {
	case "redis":
		if url := os.Getenv("REDIS_URL"); url != "" {
			c.Broker.URL = url
		}
	case "nats":
		if url := os.Getenv("NATS_URL"); url != "" {
			c.Broker.URL = url
		}
	}
	if ch := os.Getenv("RELAY_CHANNEL"); ch != "" {
		c.Broker.Channel = ch
	}
	if origins := os.Getenv("RELAY_ALLOWED_ORIGINS"); origins != "" {
		c.HTTP.AllowedOrigins = strings.Split(origins, ",")
	}
	if raw := os.Getenv("RELAY_MAX_CLIENTS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid RELAY_MAX_CLIENTS: %w", err)
		}
		c.Hub.MaxClients = n
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	return nil
}

// Validate rejects settings the relay cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	switch c.Broker.Kind {
	case "redis", "nats":
	default:
		errs = append(errs, fmt.Errorf("broker.kind must be redis or nats, got %q", c.Broker.Kind))
	}
	if c.Broker.URL == "" {
		errs = append(errs, errors.New("broker.url is required"))
	}
	if c.Broker.Channel == "" {
		errs = append(errs, errors.New("broker.channel is required"))
	}
	if c.Reconnect.InitialInterval <= 0 {
		errs = append(errs, errors.New("reconnect.initial_interval must be positive"))
	}
	if c.Reconnect.MaxInterval < c.Reconnect.InitialInterval {
		errs = append(errs, errors.New("reconnect.max_interval must not be below initial_interval"))
	}
	if c.Reconnect.MaxElapsedTime < 0 {
		errs = append(errs, errors.New("reconnect.max_elapsed_time must not be negative"))
	}
	if c.Hub.SendTimeout <= 0 {
		errs = append(errs, errors.New("hub.send_timeout must be positive"))
	}
	if c.Hub.SendBuffer < 1 {
		errs = append(errs, errors.New("hub.send_buffer must be at least 1"))
	}
	if c.Hub.MaxClients < 0 {
		errs = append(errs, errors.New("hub.max_clients must not be negative"))
	}
	if c.Hub.PingInterval <= 0 || c.Hub.PongWait <= c.Hub.PingInterval {
		errs = append(errs, errors.New("hub.pong_wait must exceed a positive hub.ping_interval"))
	}
	return errors.Join(errs...)
}
