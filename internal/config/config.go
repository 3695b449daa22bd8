// Package config loads the broker's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the broker process configuration.
type Config struct {
	Broker  BrokerConfig  `yaml:"broker"`
	Logging LoggingConfig `yaml:"logging"`
	Events  EventsConfig  `yaml:"events"`
}

// BrokerConfig configures the WebSocket endpoint.
type BrokerConfig struct {
	Port             int           `yaml:"port"`
	Path             string        `yaml:"path"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	ClientSendBuffer int           `yaml:"client_send_buffer"`
	ReadLimit        int64         `yaml:"read_limit"`
	OriginPatterns   []string      `yaml:"origin_patterns"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Output      string `yaml:"output"`
	LogRequests bool   `yaml:"log_requests"`
}

// EventsConfig configures lifecycle event export. An empty NATSURL turns
// export off.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Addr returns the listen address for the configured port.
func (c BrokerConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		errs = append(errs, fmt.Errorf("broker.port must be between 1 and 65535, got %d", c.Broker.Port))
	}
	if !strings.HasPrefix(c.Broker.Path, "/") {
		errs = append(errs, fmt.Errorf("broker.path must start with /, got %q", c.Broker.Path))
	}
	if c.Broker.ClientSendBuffer < 1 {
		errs = append(errs, errors.New("broker.client_send_buffer must be positive"))
	}
	if c.Broker.WriteTimeout <= 0 {
		errs = append(errs, errors.New("broker.write_timeout must be positive"))
	}
	if c.Broker.ReadLimit < 1 {
		errs = append(errs, errors.New("broker.read_limit must be positive"))
	}
	if c.Broker.PingInterval < 0 {
		errs = append(errs, errors.New("broker.ping_interval must not be negative"))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Validate checks the logging level and format names.
func (c LoggingConfig) Validate() error {
	switch strings.ToLower(c.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Level)
	}
	switch c.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Format)
	}
	return nil
}
